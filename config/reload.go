package config

// HotReloadableConfig is the part of a Config a running server applies
// without a restart.
type HotReloadableConfig struct {
	LogLevel       string
	FallbackReply  string
	RateLimitRPS   float64
	RateLimitBurst int
}

// ExtractHotReloadable returns the hot-reloadable values of cfg.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:       cfg.Log.Level,
		FallbackReply:  cfg.Engine.FallbackReply,
		RateLimitRPS:   cfg.Server.RateLimit.RequestsPerSecond,
		RateLimitBurst: cfg.Server.RateLimit.Burst,
	}
}

// Changed reports whether h and other differ.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}
