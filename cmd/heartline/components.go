package main

import (
	"context"
	"fmt"
	"time"

	"github.com/heartline/heartline/config"
	"github.com/heartline/heartline/pkg/cache"
	memcache "github.com/heartline/heartline/pkg/cache/memory"
	rediscache "github.com/heartline/heartline/pkg/cache/redis"
	"github.com/heartline/heartline/pkg/conversation"
	"github.com/heartline/heartline/pkg/logger"
	"github.com/heartline/heartline/pkg/provider"
	"github.com/heartline/heartline/pkg/provider/anthropic"
	"github.com/heartline/heartline/pkg/provider/openai"
	"github.com/heartline/heartline/pkg/storage"
	"github.com/heartline/heartline/pkg/storage/badger"
	"github.com/heartline/heartline/pkg/storage/memory"
	"github.com/heartline/heartline/pkg/storage/sqlite"
)

const startupPingTimeout = 3 * time.Second

// openStorage opens the configured record store.
func openStorage(cfg config.StorageConfig, log logger.Logger) (storage.Storage, error) {
	switch cfg.Type {
	case "badger":
		store, err := badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Badger.Path,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger storage: %w", err)
		}
		log.Info("Initialized Badger storage", "path", cfg.Badger.Path)
		return store, nil
	case "sqlite":
		store, err := sqlite.NewSQLiteStorage(&sqlite.Config{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		log.Info("Initialized SQLite storage", "path", cfg.SQLite.Path)
		return store, nil
	case "memory", "":
		log.Info("Initialized memory storage")
		return memory.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// openCache opens the configured cache. It returns nil for type "none".
// An unreachable Redis is only a warning: every read falls through to the
// record store until it comes back.
func openCache(ctx context.Context, cfg config.CacheConfig, log logger.Logger) (cache.Store, error) {
	switch cfg.Type {
	case "none":
		log.Info("Cache disabled")
		return nil, nil
	case "redis":
		rc := rediscache.DefaultConfig()
		rc.URL = cfg.Redis.URL
		rc.Address = cfg.Redis.Address
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		if cfg.Redis.Prefix != "" {
			rc.KeyPrefix = cfg.Redis.Prefix
		}
		if cfg.Redis.DialTimeout > 0 {
			rc.DialTimeout = cfg.Redis.DialTimeout
		}
		store, err := rediscache.Open(rc)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			log.Warn("Redis cache unreachable, serving from the record store", "error", err)
		} else {
			log.Info("Initialized Redis cache", "address", rc.Address)
		}
		return store, nil
	case "memory", "":
		log.Info("Initialized memory cache", "max_entries", cfg.MaxEntries)
		return memcache.New(memcache.WithMaxEntries(cfg.MaxEntries)), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

// newGenerator builds the reply and summary provider.
func newGenerator(cfg config.ProviderConfig) (provider.Generator, error) {
	switch cfg.Type {
	case "openai":
		client, err := newOpenAI(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "anthropic":
		client, err := anthropic.New(anthropic.Config{
			APIKey:     cfg.Anthropic.APIKey,
			BaseURL:    cfg.Anthropic.BaseURL,
			Model:      cfg.Anthropic.Model,
			Timeout:    cfg.Anthropic.Timeout,
			MaxRetries: cfg.Anthropic.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "echo", "":
		return provider.Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// newEmbedder builds the similarity embedder. It returns nil for "none".
func newEmbedder(cfg config.ProviderConfig, dimension int) (provider.Embedder, error) {
	switch cfg.Embedder {
	case "openai":
		client, err := newOpenAI(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "hashing", "":
		return provider.HashingEmbedder{Dim: dimension}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
	}
}

func newOpenAI(cfg config.OpenAIConfig) (*openai.Client, error) {
	return openai.New(openai.Config{
		APIKey:              cfg.APIKey,
		BaseURL:             cfg.BaseURL,
		Model:               cfg.Model,
		EmbeddingModel:      cfg.EmbeddingModel,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		Timeout:             cfg.Timeout,
		MaxRetries:          cfg.MaxRetries,
	})
}

// orchestratorOptions maps the engine section onto conversation options.
func orchestratorOptions(cfg *config.Config) conversation.Options {
	e := cfg.Engine
	return conversation.Options{
		WindowSize:         e.WindowSize,
		SummaryEvery:       e.SummaryEvery,
		SimilarTopK:        e.SimilarTopK,
		DeltaBound:         e.DeltaBound,
		ContextLimitTokens: e.ContextLimitTokens,
		MaxOutputTokens:    e.MaxOutputTokens,
		MinOutputTokens:    e.MinOutputTokens,
		SummaryMaxTokens:   e.SummaryMaxTokens,
		Temperature:        e.Temperature,
		SummaryTemperature: e.SummaryTemperature,
		GenerationTimeout:  e.GenerationTimeout,
		CacheTTL:           cfg.Cache.TTL,
		SystemPrompt:       e.SystemPrompt,
		FallbackReply:      e.FallbackReply,
		NicknameFallback:   e.NicknameFallback,
		IndexWorkers:       e.Indexer.Workers,
		IndexQueueSize:     e.Indexer.QueueSize,
		IndexRate:          e.Indexer.RatePerSecond,
		IndexBurst:         e.Indexer.Burst,
	}
}
