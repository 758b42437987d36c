package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "heartline",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    90 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  75 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "X-User-ID"},
				ExposedHeaders: []string{"X-Request-ID"},
				MaxAge:         300,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 2,
				Burst:             10,
			},
			UserHeader:              "X-User-ID",
			MaxWebSocketConnections: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 28, // 256MB
				NumVersionsToKeep: 1,
			},
			SQLite: SQLiteConfig{
				Path:        "./data/heartline.db",
				BusyTimeout: 5 * time.Second,
			},
		},
		Cache: CacheConfig{
			Type:       "memory",
			TTL:        time.Hour,
			MaxEntries: 100000,
			Redis: RedisConfig{
				Address:     "localhost:6379",
				Password:    "",
				DB:          0,
				Prefix:      "heartline:",
				DialTimeout: 5 * time.Second,
			},
		},
		Engine: EngineConfig{
			WindowSize:           10,
			SummaryEvery:         10,
			SimilarTopK:          3,
			DeltaBound:           5,
			ContextLimitTokens:   4096,
			MaxOutputTokens:      512,
			MinOutputTokens:      64,
			SummaryMaxTokens:     256,
			Temperature:          0.7,
			SummaryTemperature:   0,
			GenerationTimeout:    60 * time.Second,
			NicknameFallback:     "user",
			SessionIdleTimeout:   30 * time.Minute,
			SessionSweepSchedule: "@every 5m",
			Indexer: IndexerConfig{
				Workers:       2,
				QueueSize:     256,
				RatePerSecond: 5,
				Burst:         5,
			},
		},
		Provider: ProviderConfig{
			Type:     "echo",
			Embedder: "hashing",
			OpenAI: OpenAIConfig{
				Model:          "gpt-4o-mini",
				EmbeddingModel: "text-embedding-3-small",
				Timeout:        60 * time.Second,
				MaxRetries:     2,
			},
			Anthropic: AnthropicConfig{
				Model:      "claude-sonnet-4-20250514",
				Timeout:    60 * time.Second,
				MaxRetries: 2,
			},
		},
		Index: IndexConfig{
			Dimension:        0,
			SnapshotPath:     "./data/index.hlvx",
			SnapshotSchedule: "@every 1m",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
