package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initIndexMetrics(f promauto.Factory) {
	m.indexOperations = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_operations_total",
			Help: "Total number of similarity index operations by type and status",
		},
		[]string{"op", "status"},
	)

	m.indexSize = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_vectors",
			Help: "Current number of vectors held by the similarity index",
		},
	)
}

// RecordIndexOperation records an index operation such as add, search or snapshot.
func (m *Manager) RecordIndexOperation(op, status string) {
	if !m.Enabled() {
		return
	}
	m.indexOperations.WithLabelValues(op, status).Inc()
}

// SetIndexSize sets the number of indexed vectors.
func (m *Manager) SetIndexSize(n int) {
	if !m.Enabled() {
		return
	}
	m.indexSize.Set(float64(n))
}
