package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/sift/errors"
)

// starterConfig mirrors Config with toml tags so `config init` writes a
// readable starter file. API keys are intentionally absent; those belong in
// the environment.
type starterConfig struct {
	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`
	Server struct {
		Port int `toml:"port"`
	} `toml:"server"`
	Pulse struct {
		Workers             int `toml:"workers"`
		JudgeCallsPerMinute int `toml:"judge_calls_per_minute"`
	} `toml:"pulse"`
	OpenRouter struct {
		Model string `toml:"model"`
	} `toml:"openrouter"`
	Embedder struct {
		BaseURL string `toml:"base_url"`
		Model   string `toml:"model"`
	} `toml:"embedder"`
	Engine struct {
		WeightThreshold   float64 `toml:"weight_threshold"`
		SearchLimit       int     `toml:"search_limit"`
		SearchRecencyDays int     `toml:"search_recency_days"`
	} `toml:"engine"`
}

// WriteDefault writes a starter sift.toml to the given path. Refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file already exists: %s", path)
	}

	var sc starterConfig
	sc.Database.Path = "sift.db"
	sc.Server.Port = 8709
	sc.Pulse.Workers = 2
	sc.Pulse.JudgeCallsPerMinute = 60
	sc.OpenRouter.Model = "openai/gpt-4o-mini"
	sc.Embedder.BaseURL = "http://localhost:11434"
	sc.Embedder.Model = "nomic-embed-text"
	sc.Engine.WeightThreshold = 1.0
	sc.Engine.SearchLimit = 10
	sc.Engine.SearchRecencyDays = 30

	content, err := toml.Marshal(sc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal starter config")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create config directory %s", dir)
		}
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write config to %s", path)
	}

	return nil
}
