package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Backend  BackendConfig  `toml:"backend"`
	Session  SessionConfig  `toml:"session"`
	Model    ModelConfig    `toml:"model"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
}

type BackendConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	// RetryAttempts applies to non-streaming backend calls only.
	RetryAttempts int `toml:"retry_attempts"`
}

type SessionConfig struct {
	// FlushIntervalMS is the coalescer flush cadence.
	FlushIntervalMS int `toml:"flush_interval_ms"`
	// PollIntervalMS is the detached-tool reconciliation cadence.
	PollIntervalMS int `toml:"poll_interval_ms"`
	// IdleTimeoutMS aborts a stream with no frames for this long. Zero
	// disables the watchdog.
	IdleTimeoutMS int `toml:"idle_timeout_ms"`
	// DetachedTools are tool names that run as independent backend
	// processes and need poll reconciliation.
	DetachedTools []string `toml:"detached_tools"`
}

type ModelConfig struct {
	ID           string  `toml:"id"`
	Temperature  float64 `toml:"temperature"`
	SystemPrompt string  `toml:"system_prompt"`
}

type StoreConfig struct {
	// Path is the local sqlite session index.
	Path string `toml:"path"`
	// PostgresURL switches the session index to postgres when set.
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Backend: BackendConfig{BaseURL: "http://localhost:8080", RetryAttempts: 3},
		Session: SessionConfig{
			FlushIntervalMS: 50,
			PollIntervalMS:  5000,
			DetachedTools:   []string{"deep_research"},
		},
		Model: ModelConfig{Temperature: 0.7},
		Store: StoreConfig{Path: filepath.Join(home, ".lagoon", "sessions.db")},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "lagoon.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LAGOON_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("LAGOON_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("LAGOON_MODEL"); v != "" {
		cfg.Model.ID = v
	}
	if v := os.Getenv("LAGOON_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LAGOON_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("LAGOON_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.PollIntervalMS = n
		}
	}
	if v := os.Getenv("LAGOON_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
		cfg.Observer.Enabled = true
	}
	if os.Getenv("LAGOON_OBSERVER_ENABLED") == "true" || os.Getenv("LAGOON_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Session.FlushIntervalMS <= 0 {
		cfg.Session.FlushIntervalMS = 50
	}
	if cfg.Session.PollIntervalMS <= 0 {
		cfg.Session.PollIntervalMS = 5000
	}

	return cfg
}
