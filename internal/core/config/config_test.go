package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, "release", cfg.Server.Mode)
	require.Equal(t, "jsonl", cfg.Ledger.Backend)
	require.Equal(t, "./data/ledger.jsonl", cfg.Ledger.Path)
	require.Equal(t, 4, cfg.Pipeline.Parallelism)

	budget, err := cfg.Pipeline.EffectiveTimeBudget()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, budget)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "braid.yaml")
	content := `
server:
  port: 9191
  mode: debug
ledger:
  backend: memory
pipeline:
  parallelism: 2
  time_budget: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.Mode)
	require.Equal(t, "memory", cfg.Ledger.Backend)
	require.Equal(t, 2, cfg.Pipeline.Parallelism)

	budget, err := cfg.Pipeline.EffectiveTimeBudget()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, budget)

	// Untouched keys keep their defaults.
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "braid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644))

	t.Setenv("BRAID_SERVER__PORT", "7070")
	t.Setenv("BRAID_LEDGER__BACKEND", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Ledger.Backend)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "jsonl backend needs a path",
			content: "ledger:\n  backend: jsonl\n  path: \"\"\n",
			wantErr: "ledger.path is required",
		},
		{
			name:    "postgres backend needs a dsn",
			content: "ledger:\n  backend: postgres\n",
			wantErr: "ledger.dsn is required",
		},
		{
			name:    "unknown backend",
			content: "ledger:\n  backend: sqlite\n",
			wantErr: "unsupported ledger.backend",
		},
		{
			name:    "bad time budget",
			content: "pipeline:\n  time_budget: sometime\n",
			wantErr: "invalid pipeline.time_budget",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "braid.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Load(path)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "failed to load config file")
}
