package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "sift.db")

	// Server defaults
	v.SetDefault("server.port", 8709)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8709"})

	// Pulse (async job infrastructure) defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_seconds", 1)
	v.SetDefault("pulse.judge_calls_per_minute", 60)

	// OpenRouter defaults
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("openrouter.temperature", 0.2)            // Deterministic
	v.SetDefault("openrouter.max_tokens", 1000)

	// Embedder defaults (Ollama-compatible local endpoint)
	v.SetDefault("embedder.base_url", "http://localhost:11434")
	v.SetDefault("embedder.model", "nomic-embed-text")
	v.SetDefault("embedder.timeout_seconds", 60)
	v.SetDefault("embedder.dimensions", 768)

	// Engine defaults
	v.SetDefault("engine.weight_threshold", 1.0)
	v.SetDefault("engine.search_limit", 10)
	v.SetDefault("engine.search_recency_days", 30)
	v.SetDefault("engine.max_search_queries", 3)
	v.SetDefault("engine.fetch_max_retries", 3)
	v.SetDefault("engine.fetch_retry_delay_seconds", 2)
}

// BindSensitiveEnvVars binds API keys to environment variables so they never
// need to live in a config file on disk
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("openrouter.api_key", "SIFT_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	v.BindEnv("embedder.api_key", "SIFT_EMBEDDER_API_KEY")
}
