package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus metrics. A single instance is
// created at process start and handed to the engine; there is no ambient
// singleton.
type Metrics struct {
	CacheHits   prometheus.Counter // pail_metadata_cache_hits_total
	CacheMisses prometheus.Counter // pail_metadata_cache_misses_total

	Inconsistencies prometheus.Counter // pail_inconsistencies_total
	PartialFailures prometheus.Counter // pail_partial_failures_total
	OrphanCleanups  prometheus.Counter // pail_orphan_cleanup_failures_total
}

// NewMetrics registers and returns the engine metrics. If registry is nil,
// the Prometheus default registerer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		CacheHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "pail_metadata_cache_hits_total",
			Help: "Metadata lookups served from the cache",
		}),
		CacheMisses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "pail_metadata_cache_misses_total",
			Help: "Metadata lookups that fell through to the metadata store",
		}),
		Inconsistencies: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "pail_inconsistencies_total",
			Help: "Reads that found metadata whose payload is missing on disk",
		}),
		PartialFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "pail_partial_failures_total",
			Help: "Deletes that removed a payload but failed to remove its metadata row",
		}),
		OrphanCleanups: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "pail_orphan_cleanup_failures_total",
			Help: "Failed best-effort removals of payloads after a metadata write failure",
		}),
	}
}
