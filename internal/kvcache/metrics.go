package kvcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_kvcache_commits_total",
		Help: "Total K/V tensor pairs quantized into the cache",
	})
	bytesQuantized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_kvcache_bytes_quantized_total",
		Help: "Total quantized payload bytes written, one per element",
	})
	compressionRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_kvcache_compression_ratio",
		Help: "Compression ratio of the most recent cache commit",
	})
	openSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_kvcache_sessions",
		Help: "Currently open generation sessions",
	})
)
