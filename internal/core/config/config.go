package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level configuration for Braid.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Ledger   LedgerConfig   `koanf:"ledger"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Policy   PolicyConfig   `koanf:"policy"`
	Baseline BaselineConfig `koanf:"baseline"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // "debug" or "release"
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	// Backend is "jsonl", "postgres" or "memory".
	Backend string `koanf:"backend"`

	// Path is the ledger file for the jsonl backend.
	Path string `koanf:"path"`

	// DSN and pool settings apply to the postgres backend.
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// PipelineConfig bounds worker execution for one run.
type PipelineConfig struct {
	Parallelism int    `koanf:"parallelism"`
	TimeBudget  string `koanf:"time_budget"` // parsed as time.Duration
}

// EffectiveTimeBudget parses the configured budget.
func (c PipelineConfig) EffectiveTimeBudget() (time.Duration, error) {
	if c.TimeBudget == "" {
		return 10 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.TimeBudget)
	if err != nil {
		return 0, fmt.Errorf("invalid pipeline.time_budget %q: %w", c.TimeBudget, err)
	}
	return d, nil
}

// PolicyConfig locates verdict escalation rules.
type PolicyConfig struct {
	ConfigDir string `koanf:"config_dir"`
}

// BaselineConfig locates persisted finding bundles.
type BaselineConfig struct {
	Dir string `koanf:"dir"`
}

// Load loads the configuration from the given file path and environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults := map[string]interface{}{
		"server.port":             8080,
		"server.host":             "0.0.0.0",
		"server.max_body_size_mb": 1,
		"server.mode":             "release",
		"ledger.backend":          "jsonl",
		"ledger.path":             "./data/ledger.jsonl",
		"ledger.dsn":              "",
		"ledger.max_open_conns":   25,
		"ledger.max_idle_conns":   25,
		"ledger.auto_migrate":     true,
		"pipeline.parallelism":    4,
		"pipeline.time_budget":    "10m",
		"policy.config_dir":       "./config/policies",
		"baseline.dir":            "./data/baselines",
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	// 2. Load from file
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 3. Load from Environment Variables
	// BRAID_SERVER__PORT=9090 overrides server.port
	if err := k.Load(env.Provider("BRAID_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "BRAID_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Ledger.Backend {
	case "jsonl":
		if cfg.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the jsonl backend")
		}
	case "postgres":
		if cfg.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported ledger.backend %q", cfg.Ledger.Backend)
	}
	if _, err := cfg.Pipeline.EffectiveTimeBudget(); err != nil {
		return err
	}
	return nil
}
