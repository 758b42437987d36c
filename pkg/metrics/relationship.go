package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initRelationshipMetrics(f promauto.Factory) {
	m.affinityUpdates = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_updates_total",
			Help: "Total number of affinity updates by direction",
		},
		[]string{"direction"},
	)

	m.tierTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relationship_tier_transitions_total",
			Help: "Total number of relationship tier changes",
		},
		[]string{"from", "to"},
	)

	m.relationshipLocks = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "relationship_locks_held",
			Help: "Current number of relationship keys with a holder or waiter",
		},
	)
}

// RecordAffinityUpdate records an applied affinity delta.
func (m *Manager) RecordAffinityUpdate(delta float64) {
	if !m.Enabled() {
		return
	}
	direction := "none"
	switch {
	case delta > 0:
		direction = "up"
	case delta < 0:
		direction = "down"
	}
	m.affinityUpdates.WithLabelValues(direction).Inc()
}

// RecordTierTransition records a change of relationship tier.
func (m *Manager) RecordTierTransition(from, to string) {
	if !m.Enabled() || from == to {
		return
	}
	m.tierTransitions.WithLabelValues(from, to).Inc()
}

// SetRelationshipLocks sets the number of live per-key lock entries.
func (m *Manager) SetRelationshipLocks(n int) {
	if !m.Enabled() {
		return
	}
	m.relationshipLocks.Set(float64(n))
}
