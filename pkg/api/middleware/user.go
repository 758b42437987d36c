package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heartline/heartline/pkg/api/response"
	"github.com/heartline/heartline/pkg/logger"
)

const userIDKey contextKey = "user_id"

const maxUserIDLen = 256

// UserID requires the authenticated user id in header. Authentication
// happens upstream; requests without the header are rejected with 401.
func UserID(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(header))
			if userID == "" || len(userID) > maxUserIDLen || strings.ContainsRune(userID, ':') {
				response.Error(w,
					http.StatusUnauthorized,
					response.ErrCodeUnauthorized,
					"missing or malformed "+header+" header",
					GetRequestID(r.Context()),
				)
				return
			}
			if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
				info.userID = userID
			}
			trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("enduser.id", userID))
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID returns ctx carrying userID, also as a log field.
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = logger.WithFields(ctx, "user_id", userID)
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the user id set by UserID. Middleware running
// outside UserID see it too once next has returned.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		return id, true
	}
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok && info.userID != "" {
		return info.userID, true
	}
	return "", false
}
