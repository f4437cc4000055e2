package exec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	graphsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_exec_graphs_total",
		Help: "Completed graph executions",
	})

	executeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anvil_exec_duration_seconds",
		Help:    "Wall time per graph execution",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
	})

	nodesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_exec_nodes_total",
		Help: "Node evaluations by op and path",
	}, []string{"op", "path"})

	deviceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_exec_device_fallbacks_total",
		Help: "Device dispatch attempts that fell back to the CPU",
	})
)
