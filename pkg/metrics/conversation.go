package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initConversationMetrics(f promauto.Factory, buckets []float64) {
	m.turnsRecorded = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_turns_total",
			Help: "Total number of recorded turns by sender",
		},
		[]string{"sender"},
	)

	m.summarizations = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_summarizations_total",
			Help: "Total number of summarization runs by status",
		},
		[]string{"status"},
	)

	m.generationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "Text generation call duration in seconds",
			Buckets: buckets,
		},
		[]string{"purpose"},
	)

	m.generations = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_total",
			Help: "Total number of text generation calls by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)

	m.budgetTrims = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_budget_trims_total",
			Help: "Total number of payload trims by stage",
		},
		[]string{"stage"},
	)

	m.activeSessions = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversation_active_sessions",
			Help: "Current number of in-process conversation sessions",
		},
	)
}

// RecordTurn records a persisted conversation turn.
func (m *Manager) RecordTurn(sender string) {
	if !m.Enabled() {
		return
	}
	m.turnsRecorded.WithLabelValues(sender).Inc()
}

// RecordSummarization records a summarization run.
func (m *Manager) RecordSummarization(status string) {
	if !m.Enabled() {
		return
	}
	m.summarizations.WithLabelValues(status).Inc()
}

// RecordGeneration records a generation call. The trace id of ctx, when
// present, is attached as an exemplar.
func (m *Manager) RecordGeneration(ctx context.Context, purpose, outcome string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.generations.WithLabelValues(purpose, outcome).Inc()
	observeWithExemplar(ctx, m.generationDuration.WithLabelValues(purpose), duration.Seconds())
}

// RecordBudgetTrim records one trimming step of the context budget.
func (m *Manager) RecordBudgetTrim(stage string) {
	if !m.Enabled() {
		return
	}
	m.budgetTrims.WithLabelValues(stage).Inc()
}

// SetActiveSessions sets the number of live sessions.
func (m *Manager) SetActiveSessions(n int) {
	if !m.Enabled() {
		return
	}
	m.activeSessions.Set(float64(n))
}
