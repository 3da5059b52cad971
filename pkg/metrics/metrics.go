// Package metrics exposes Prometheus instrumentation for the memory
// service. All collectors are registered on the default registry at init
// and served by the HTTP API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpsTotal counts memory operations by kind and outcome.
	OpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leonardo_memory_ops_total",
		Help: "Memory operations processed, by operation and outcome.",
	}, []string{"op", "outcome"})

	// OpDuration observes per-operation latency.
	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "leonardo_memory_op_duration_seconds",
		Help:    "Memory operation latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// BackendInfo reports the selected backend tier (value fixed at 1).
	BackendInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leonardo_memory_backend_info",
		Help: "Selected memory backend tier.",
	}, []string{"backend"})

	// SyncRefusals counts synchronous calls refused because the service
	// loop was busy or stopped.
	SyncRefusals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leonardo_memory_sync_refusals_total",
		Help: "Synchronous memory calls refused with an empty context.",
	})

	// Experiences tracks the stored experience count.
	Experiences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leonardo_memory_experiences",
		Help: "Experiences currently stored by the enhanced backend.",
	})

	// PrunedTotal counts experiences evicted by pruning.
	PrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leonardo_memory_pruned_total",
		Help: "Experiences evicted by importance pruning.",
	})
)
