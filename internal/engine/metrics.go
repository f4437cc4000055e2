package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_engine_steps_total",
		Help: "Total generation steps executed",
	})
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anvil_engine_step_duration_seconds",
		Help:    "Wall time per generation step",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
	})
)
