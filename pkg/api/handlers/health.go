package handlers

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heartline/heartline/pkg/api/response"
	"github.com/heartline/heartline/pkg/version"
)

const defaultCheckTimeout = 2 * time.Second

// Check is a named dependency check. A failing Critical check makes the
// service not ready; others only degrade it.
type Check struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

// CheckResult is the outcome of one Check.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks   []Check
	timeout  time.Duration
	started  time.Time
	draining atomic.Bool
	stats    func() map[string]any
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checks ...Check) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		timeout: defaultCheckTimeout,
		started: time.Now(),
	}
}

// WithStats adds runtime counters to /status.
func (h *HealthHandler) WithStats(fn func() map[string]any) *HealthHandler {
	h.stats = fn
	return h
}

// SetDraining marks the service as shutting down. Readiness fails from
// then on so load balancers stop routing new requests.
func (h *HealthHandler) SetDraining(v bool) {
	h.draining.Store(v)
}

// Health handles the /health endpoint (liveness).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	results, ready := h.run(r.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{
		"ready":  ready,
		"checks": results,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	results, ready := h.run(r.Context())
	body := map[string]any{
		"ready":          ready,
		"draining":       h.draining.Load(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"version":        version.Get(),
		"checks":         results,
	}
	if h.stats != nil {
		body["stats"] = h.stats()
	}
	response.JSON(w, http.StatusOK, body)
}

// run executes every check concurrently.
func (h *HealthHandler) run(ctx context.Context) (map[string]CheckResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult, len(h.checks))
		ready   = !h.draining.Load()
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			start := time.Now()
			err := c.Ping(ctx)
			res := CheckResult{Status: "ok", Critical: c.Critical, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "failed"
				res.Error = err.Error()
			}
			mu.Lock()
			results[c.Name] = res
			if err != nil && c.Critical {
				ready = false
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results, ready
}
