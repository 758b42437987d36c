package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initCacheMetrics(f promauto.Factory) {
	m.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits by key kind",
		},
		[]string{"kind"},
	)

	m.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses by key kind",
		},
		[]string{"kind"},
	)

	m.cacheErrors = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_errors_total",
			Help: "Total number of cache backend failures by operation",
		},
		[]string{"op"},
	)
}

// RecordCacheHit records a cache hit for the given key kind.
func (m *Manager) RecordCacheHit(kind string) {
	if !m.Enabled() {
		return
	}
	m.cacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss records a cache miss for the given key kind.
func (m *Manager) RecordCacheMiss(kind string) {
	if !m.Enabled() {
		return
	}
	m.cacheMisses.WithLabelValues(kind).Inc()
}

// RecordCacheError records a cache backend failure.
func (m *Manager) RecordCacheError(op string) {
	if !m.Enabled() {
		return
	}
	m.cacheErrors.WithLabelValues(op).Inc()
}
