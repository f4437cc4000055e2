package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_device_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_device_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	poolBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_device_pool_buffers_count",
		Help: "Current total number of buffers parked in the pool",
	})

	buffersInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_device_buffers_in_use",
		Help: "Device buffers currently held by callers",
	})

	allocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_device_alloc_failures_total",
		Help: "Buffer allocations rejected by the device memory bound",
	})

	kernelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_device_kernel_calls_total",
		Help: "Device kernel invocations by op",
	}, []string{"op"})
)
