// Package config provides configuration management for heartline.
package config

import (
	"fmt"
	"time"
)

// Config is the complete heartline configuration. Keys are addressed by
// their mapstructure tags, e.g. engine.summary_every.
type Config struct {
	App      AppConfig      `mapstructure:"app" validate:"required"`
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Provider ProviderConfig `mapstructure:"provider"`
	Index    IndexConfig    `mapstructure:"index"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// AppConfig identifies the running service.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"env"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// RateLimit limits requests per user.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// UserHeader carries the authenticated user id, set by the gateway in
	// front of the service.
	UserHeader string `mapstructure:"user_header" validate:"required"`

	// MaxWebSocketConnections caps concurrent chat sockets. Zero means unlimited.
	MaxWebSocketConnections int `mapstructure:"max_websocket_connections" validate:"min=0"`
}

// HTTPConfig holds net/http server timeouts.
type HTTPConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds a single API request, generation included. It
	// must stay below WriteTimeout or replies are cut off mid-write.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
}

// CORSConfig controls cross-origin access. AllowedOrigins also bounds the
// origins accepted on the chat websocket.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"` // seconds
}

// RateLimitConfig holds the per-user token bucket.
type RateLimitConfig struct {
	// Enabled enables rate limiting.
	Enabled bool `mapstructure:"enabled"`

	// RequestsPerSecond is the sustained rate per user.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`

	// Burst is the bucket size per user.
	Burst int `mapstructure:"burst" validate:"min=0"`
}

// LogConfig configures the process logger. Output is stdout, stderr or a
// file path.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	Output string `mapstructure:"output"`
}

// StorageConfig holds record store settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory badger sqlite"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// SQLite is the SQLite configuration.
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig tunes the embedded Badger record store.
type BadgerConfig struct {
	Path              string `mapstructure:"path"`
	SyncWrites        bool   `mapstructure:"sync_writes"`
	ValueLogFileSize  int64  `mapstructure:"value_log_file_size"`
	NumVersionsToKeep int    `mapstructure:"num_versions_to_keep"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `mapstructure:"path"`

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// CacheConfig holds cache-aside settings.
type CacheConfig struct {
	// Type is the cache backend (memory, redis, none).
	Type string `mapstructure:"type" validate:"oneof=memory redis none"`

	// TTL is the expiry of every cached entry.
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// MaxEntries bounds the in-process cache. Zero means unbounded.
	MaxEntries int `mapstructure:"max_entries" validate:"min=0"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. It takes precedence over Address.
	URL string `mapstructure:"url"`

	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// Prefix namespaces every key.
	Prefix string `mapstructure:"prefix"`

	// DialTimeout bounds connection setup.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// EngineConfig tunes the conversation and relationship engines.
type EngineConfig struct {
	// WindowSize is the number of recent turns kept per conversation.
	WindowSize int `mapstructure:"window_size" validate:"min=1"`

	// SummaryEvery summarizes on every Nth message.
	SummaryEvery int `mapstructure:"summary_every" validate:"min=1"`

	// SimilarTopK is the number of similar past messages in the prompt.
	SimilarTopK int `mapstructure:"similar_top_k" validate:"min=0"`

	// DeltaBound bounds a single affinity delta.
	DeltaBound float64 `mapstructure:"delta_bound" validate:"gt=0,lte=200"`

	// ContextLimitTokens is the provider's hard context limit.
	ContextLimitTokens int `mapstructure:"context_limit_tokens" validate:"min=1"`

	// MaxOutputTokens caps a reply.
	MaxOutputTokens int `mapstructure:"max_output_tokens" validate:"min=1"`

	// MinOutputTokens is the smallest acceptable reply budget.
	MinOutputTokens int `mapstructure:"min_output_tokens" validate:"min=1"`

	// SummaryMaxTokens caps a summary.
	SummaryMaxTokens int `mapstructure:"summary_max_tokens" validate:"min=1"`

	// Temperature is the reply sampling temperature.
	Temperature float64 `mapstructure:"temperature" validate:"min=0,max=2"`

	// SummaryTemperature is the summary sampling temperature.
	SummaryTemperature float64 `mapstructure:"summary_temperature" validate:"min=0,max=2"`

	// GenerationTimeout bounds a reply generation. Zero defers to the request.
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`

	// SystemPrompt overrides the character system prompt.
	SystemPrompt string `mapstructure:"system_prompt"`

	// FallbackReply is returned when generation fails.
	FallbackReply string `mapstructure:"fallback_reply"`

	// NicknameFallback names the user when no nickname is set.
	NicknameFallback string `mapstructure:"nickname_fallback"`

	// SessionIdleTimeout evicts idle in-process sessions.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`

	// SessionSweepSchedule is the cron expression of the idle session sweep.
	SessionSweepSchedule string `mapstructure:"session_sweep_schedule" validate:"omitempty,cronspec"`

	// Indexer is the background embedding pool.
	Indexer IndexerConfig `mapstructure:"indexer"`
}

// IndexerConfig holds the background embedding pool settings.
type IndexerConfig struct {
	// Workers is the number of embedding goroutines.
	Workers int `mapstructure:"workers" validate:"min=1"`

	// QueueSize is the pending job capacity; jobs beyond it are dropped.
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`

	// RatePerSecond limits embedding calls. Zero means unlimited.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"min=0"`

	// Burst is the embedding rate burst.
	Burst int `mapstructure:"burst" validate:"min=1"`
}

// ProviderConfig selects the generation and embedding backends.
type ProviderConfig struct {
	// Type is the generation backend (openai, anthropic, echo).
	Type string `mapstructure:"type" validate:"oneof=openai anthropic echo"`

	// Embedder is the embedding backend (openai, hashing, none).
	Embedder string `mapstructure:"embedder" validate:"oneof=openai hashing none"`

	// OpenAI holds OpenAI-compatible settings.
	OpenAI OpenAIConfig `mapstructure:"openai"`

	// Anthropic holds Anthropic settings.
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// OpenAIConfig holds OpenAI-compatible API settings.
type OpenAIConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	Model               string        `mapstructure:"model"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions" validate:"min=0"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries" validate:"min=0"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0"`
}

// IndexConfig holds similarity index settings.
type IndexConfig struct {
	// Dimension fixes the vector dimension. Zero adopts the first vector's.
	Dimension int `mapstructure:"dimension" validate:"min=0"`

	// SnapshotPath persists the index between restarts. Empty disables it.
	SnapshotPath string `mapstructure:"snapshot_path"`

	// SnapshotSchedule is the cron spec of the snapshot job.
	SnapshotSchedule string `mapstructure:"snapshot_schedule" validate:"omitempty,cronspec"`
}

// MetricsConfig exposes Prometheus metrics on a separate port.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Exporter string            `mapstructure:"exporter" validate:"oneof=otlpgrpc"`
	Endpoint string            `mapstructure:"endpoint"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Headers  map[string]string `mapstructure:"headers"`

	// Sampler is always_on, always_off or parentbased_traceidratio, the
	// last one sampling SampleRate of root spans.
	Sampler    string  `mapstructure:"sampler" validate:"oneof=always_on always_off parentbased_traceidratio"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate checks c and returns ValidationErrors when it is invalid.
func (c *Config) Validate() error {
	return ValidateWithDetails(c)
}

// String summarizes c without credentials.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, Cache: %s, Provider: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type, c.Cache.Type, c.Provider.Type)
}
