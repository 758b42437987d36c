// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heartline/heartline/config"
	"github.com/heartline/heartline/pkg/api/handlers"
	"github.com/heartline/heartline/pkg/api/middleware"
	"github.com/heartline/heartline/pkg/api/response"
	"github.com/heartline/heartline/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Conversations handles conversation and message endpoints
	Conversations *handlers.ConversationHandler

	// Relationships handles relationship endpoints
	Relationships *handlers.RelationshipHandler

	// WebSocket serves live chat sockets
	WebSocket *handlers.WebSocketHandler

	// RateLimiter is the optional per-user limiter of /api routes
	RateLimiter *middleware.RateLimiter

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	// Register global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	// Add metrics middleware if provided
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "method not allowed", middleware.GetRequestID(r.Context()))
	})

	// Register routes
	RegisterRoutes(r, cfg, h)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.UserID(cfg.Server.UserHeader))
		if h.RateLimiter != nil && cfg.Server.RateLimit.Enabled {
			r.Use(middleware.RateLimit(h.RateLimiter))
		}
		r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

		r.Get("/affinity/tier", handlers.Tier)

		// Relationship routes
		if h.Relationships != nil {
			r.Route("/relationships/{characterID}", func(r chi.Router) {
				r.Get("/", h.Relationships.Get)
				r.Patch("/", h.Relationships.Patch)
				r.Post("/affinity", h.Relationships.AdjustAffinity)
			})
		}

		// Conversation routes
		if h.Conversations != nil {
			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", h.Conversations.Create)
				r.Get("/", h.Conversations.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.Conversations.Get)
					r.Delete("/", h.Conversations.Delete)
					r.Put("/scenario", h.Conversations.SetScenario)
					r.Get("/messages", h.Conversations.ListMessages)
					r.Post("/messages", h.Conversations.PostMessage)
					r.Get("/payload", h.Conversations.Payload)
					r.Post("/summarize", h.Conversations.Summarize)
					r.Get("/summaries", h.Conversations.ListSummaries)
					r.Get("/summaries/latest", h.Conversations.LatestSummary)
				})
			})
		}
	})

	// Chat sockets outlive the request timeout, so they only get the user.
	if h.WebSocket != nil {
		r.With(middleware.UserID(cfg.Server.UserHeader)).Get("/ws/conversations/{id}", h.WebSocket.ServeHTTP)
	}

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}
}
