package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/heartline/heartline/pkg/api/response"
	"github.com/heartline/heartline/pkg/logger"
)

// Recovery returns a middleware that turns panics into a 500. The panic
// value is logged, never sent to the client. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}
				requestLogger(log, r).ErrorContext(r.Context(), "Panic recovered",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				response.Error(w,
					http.StatusInternalServerError,
					response.ErrCodeInternalServer,
					"internal server error",
					GetRequestID(r.Context()),
				)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
