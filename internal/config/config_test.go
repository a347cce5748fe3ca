package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "claude-cli", cfg.Analyzer.Provider)
	assert.Equal(t, 5, cfg.Analyzer.Workers)
	assert.Equal(t, 900, cfg.Sandbox.Timeout)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
analyzer:
  provider: gemini
  model: gemini-2.0-flash
  workers: 2
sandbox:
  timeout: 60
paths:
  results: out/results
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.Analyzer.Provider)
	assert.Equal(t, 2, cfg.Analyzer.Workers)
	assert.Equal(t, 60*time.Second, cfg.SandboxTimeout())
	// Relative paths resolve against the config file directory.
	assert.Equal(t, filepath.Join(dir, "out/results"), cfg.Paths.Results)
	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.Sandbox.Workers)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SKILLSCAN_WORKERS", "9")
	t.Setenv("SKILLSCAN_RESULTS_DIR", "/var/skillscan/results")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Analyzer.Workers)
	assert.Equal(t, "/var/skillscan/results", cfg.Paths.Results)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Analyzer.Workers = 0 }},
		{"zero sandbox timeout", func(c *Config) { c.Sandbox.Timeout = 0 }},
		{"unknown provider", func(c *Config) { c.Analyzer.Provider = "gpt" }},
		{"bad hook mode", func(c *Config) { c.Sandbox.HookMode = "audit" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
