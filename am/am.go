// Package am holds the sift configuration tree and its loading machinery.
package am

import "time"

// Config represents the core sift configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Pulse      PulseConfig      `mapstructure:"pulse"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	Embedder   EmbedderConfig   `mapstructure:"embedder"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the sift HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PulseConfig configures the durable job infrastructure
type PulseConfig struct {
	Workers             int `mapstructure:"workers"`               // Number of concurrent job workers
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // How often workers check for new jobs
	JudgeCallsPerMinute int `mapstructure:"judge_calls_per_minute"`
}

// OpenRouterConfig configures OpenRouter.ai API access for judge calls
type OpenRouterConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	Temperature *float64 `mapstructure:"temperature"` // nil = default 0.2
	MaxTokens   *int     `mapstructure:"max_tokens"`  // nil = default 1000
}

// EmbedderConfig configures the embedding gateway (any OpenAI-compatible
// /v1/embeddings endpoint: Ollama, LocalAI, or a cloud provider)
type EmbedderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Dimensions     int    `mapstructure:"dimensions"`
}

// EngineConfig holds the clustering and finalization tunables
type EngineConfig struct {
	WeightThreshold        float64 `mapstructure:"weight_threshold"`          // promotion trigger
	SearchLimit            int     `mapstructure:"search_limit"`              // top-K per semantic query
	SearchRecencyDays      int     `mapstructure:"search_recency_days"`       // candidate pool window
	MaxSearchQueries       int     `mapstructure:"max_search_queries"`        // query-gen fan-out cap
	FetchMaxRetries        int     `mapstructure:"fetch_max_retries"`         // eventual-consistency tolerance
	FetchRetryDelaySeconds int     `mapstructure:"fetch_retry_delay_seconds"` // base backoff between fetch attempts
}

// FetchRetryDelay returns the configured base delay between fetch attempts
func (e EngineConfig) FetchRetryDelay() time.Duration {
	return time.Duration(e.FetchRetryDelaySeconds) * time.Second
}

// SearchRecencyWindow returns the candidate recency window as a duration
func (e EngineConfig) SearchRecencyWindow() time.Duration {
	return time.Duration(e.SearchRecencyDays) * 24 * time.Hour
}
