package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initHTTPMetrics(f promauto.Factory, buckets []float64) {
	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "API requests by method, chi route and status code",
	}, []string{"method", "route", "status"})

	m.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "API request latency by method and chi route",
		Buckets: buckets,
	}, []string{"method", "route"})

	m.httpInFlight = f.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "API requests currently being served",
	})
}

// ObserveHTTPRequest records a finished API request. The trace of ctx, if
// any, becomes the latency exemplar.
func (m *Manager) ObserveHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	observeWithExemplar(ctx, m.httpDuration.WithLabelValues(method, route), duration.Seconds())
}

// TrackInFlight moves the in-flight gauge by delta.
func (m *Manager) TrackInFlight(delta int) {
	if !m.Enabled() {
		return
	}
	m.httpInFlight.Add(float64(delta))
}

func observeWithExemplar(ctx context.Context, obs prometheus.Observer, v float64) {
	eo, ok := obs.(prometheus.ExemplarObserver)
	if labels := exemplarLabels(ctx); ok && labels != nil {
		eo.ObserveWithExemplar(v, labels)
		return
	}
	obs.Observe(v)
}

// exemplarLabels links a sample to the sampled span of ctx.
func exemplarLabels(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
