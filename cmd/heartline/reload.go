package main

import (
	"sync"

	"github.com/heartline/heartline/config"
	"github.com/heartline/heartline/pkg/api/middleware"
	"github.com/heartline/heartline/pkg/logger"
)

type fallbackSetter interface {
	SetFallbackReply(text string)
}

type rateLimitSetter interface {
	SetLimit(cfg config.RateLimitConfig)
}

// hotReloader applies the hot-reloadable subset of a reloaded config.
// Everything else needs a restart and is ignored.
type hotReloader struct {
	mu       sync.Mutex
	current  config.HotReloadableConfig
	log      logger.Logger
	replies  fallbackSetter
	limiter  rateLimitSetter
	setLevel func(logger.Level)
}

func newHotReloader(cfg *config.Config, log logger.Logger, replies fallbackSetter, limiter *middleware.RateLimiter) *hotReloader {
	return &hotReloader{
		current:  config.ExtractHotReloadable(cfg),
		log:      log,
		replies:  replies,
		limiter:  limiter,
		setLevel: log.SetLevel,
	}
}

// Apply is a config.Watcher callback.
func (h *hotReloader) Apply(cfg *config.Config) {
	next := config.ExtractHotReloadable(cfg)

	h.mu.Lock()
	defer h.mu.Unlock()
	if !next.Changed(h.current) {
		return
	}
	prev := h.current
	h.current = next

	if next.LogLevel != prev.LogLevel {
		h.setLevel(logger.ParseLevel(next.LogLevel))
	}
	if next.FallbackReply != prev.FallbackReply {
		h.replies.SetFallbackReply(next.FallbackReply)
	}
	if next.RateLimitRPS != prev.RateLimitRPS || next.RateLimitBurst != prev.RateLimitBurst {
		h.limiter.SetLimit(cfg.Server.RateLimit)
	}
	h.log.Info("Applied configuration reload",
		"log_level", next.LogLevel,
		"rate_limit_rps", next.RateLimitRPS,
		"rate_limit_burst", next.RateLimitBurst,
	)
}
