// Package metrics provides Prometheus metrics instrumentation for heartline.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heartline/heartline/pkg/version"
)

// Manager owns the heartline metrics. Every metric is prefixed with
// "heartline_". A nil or disabled Manager records nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec

	affinityUpdates   *prometheus.CounterVec
	tierTransitions   *prometheus.CounterVec
	relationshipLocks prometheus.Gauge

	turnsRecorded      *prometheus.CounterVec
	summarizations     *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generations        *prometheus.CounterVec
	budgetTrims        *prometheus.CounterVec
	activeSessions     prometheus.Gauge

	indexOperations *prometheus.CounterVec
	indexSize       prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	GenerationDurationBuckets []float64
	HTTPDurationBuckets       []float64
}

// DefaultConfig returns the metrics defaults. Generation buckets reach a
// minute since provider calls are slow.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		Port:                      9091,
		Path:                      "/metrics",
		GenerationDurationBuckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		HTTPDurationBuckets:       []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}
}

// NewManager registers every collector on a fresh registry.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return NoOpManager()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(prometheus.WrapRegistererWithPrefix("heartline_", registry))

	build := version.Get()
	f.NewGauge(prometheus.GaugeOpts{
		Name:        "build_info",
		Help:        "Build metadata of the running binary; always 1",
		ConstLabels: prometheus.Labels{"version": build.Version, "commit": build.Commit, "go_version": build.GoVersion},
	}).Set(1)

	m := &Manager{registry: registry, enabled: true}
	m.initCacheMetrics(f)
	m.initRelationshipMetrics(f)
	m.initConversationMetrics(f, cfg.GenerationDurationBuckets)
	m.initIndexMetrics(f)
	m.initHTTPMetrics(f, cfg.HTTPDurationBuckets)
	return m
}

// Enabled reports whether m records anything.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	if !m.Enabled() {
		return nil
	}
	return m.registry
}

// Handler serves the registry, with exemplars when the scraper accepts
// OpenMetrics. A disabled Manager answers 404.
func (m *Manager) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer serves Handler at path on its own port until ctx is done.
// It returns http.ErrServerClosed after a clean shutdown.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.Enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	defer stop()

	return server.ListenAndServe()
}

// NoOpManager returns a Manager that records nothing.
func NoOpManager() *Manager {
	return &Manager{}
}
