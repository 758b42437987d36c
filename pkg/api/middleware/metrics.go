package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests no route matched, keeping raw paths out
// of metric labels.
const unmatchedRoute = "unmatched"

// MetricsRecorder receives one observation per finished request.
type MetricsRecorder interface {
	ObserveHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration)
	TrackInFlight(delta int)
}

// Metrics returns a middleware that records request counts and latency by
// chi route pattern. A panic is recorded as a 500 and re-raised. The
// metrics endpoint itself is not recorded.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.TrackInFlight(1)
			rec := newStatusRecorder(w)
			status := http.StatusInternalServerError
			defer func() {
				recorder.TrackInFlight(-1)
				recorder.ObserveHTTPRequest(r.Context(), r.Method, metricsRoute(r), status, time.Since(start))
			}()

			next.ServeHTTP(rec, r)
			status = rec.statusCode
		})
	}
}

func metricsRoute(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}
