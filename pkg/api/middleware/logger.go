// Package middleware provides HTTP middleware components.
package middleware

import (
	"net/http"
	"time"

	"github.com/heartline/heartline/pkg/logger"
)

// Logger returns a middleware that logs one line per request. Server
// errors log at error level, client errors at warn.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"status", rec.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", rec.size,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			}
			l := requestLogger(log, r)
			switch {
			case rec.statusCode >= http.StatusInternalServerError:
				l.ErrorContext(r.Context(), "HTTP request", fields...)
			case rec.statusCode >= http.StatusBadRequest:
				l.WarnContext(r.Context(), "HTTP request", fields...)
			default:
				l.InfoContext(r.Context(), "HTTP request", fields...)
			}
		})
	}
}
