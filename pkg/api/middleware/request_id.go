package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/heartline/heartline/pkg/logger"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const requestInfoKey contextKey = "request_info"

// requestInfo is shared by every middleware of one request. Inner
// middleware fill fields that outer ones read after next returns.
type requestInfo struct {
	id     string
	userID string
}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

// RequestID returns a middleware that propagates or generates request IDs.
// Oversized client ids are replaced.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > maxRequestIDLen {
				requestID = uuid.NewString()
			}

			ctx := context.WithValue(r.Context(), requestInfoKey, &requestInfo{id: requestID})
			ctx = logger.WithFields(ctx, "request_id", requestID)
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID extracts the request ID from context, or "unknown".
func GetRequestID(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		return info.id
	}
	return "unknown"
}

// requestLogger adds the user id to log when the context fields of r do
// not carry it yet. That is the case for middleware running outside UserID.
func requestLogger(log logger.Logger, r *http.Request) logger.Logger {
	if _, ok := logger.Field(r.Context(), "user_id"); ok {
		return log
	}
	if userID, ok := UserIDFromContext(r.Context()); ok {
		return log.With("user_id", userID)
	}
	return log
}
