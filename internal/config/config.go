// Package config loads skillscan configuration from YAML with environment
// overrides. A single Config object is constructed at startup and passed
// explicitly to every component; nothing reads ambient global state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all skillscan configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Paths for workspace, results and queues
	Paths PathsConfig `yaml:"paths"`

	// Analysis stage (AI audit)
	Analyzer AnalyzerConfig `yaml:"analyzer"`

	// Credential pool
	Pool PoolConfig `yaml:"pool"`

	// Sandbox stage (dynamic execution)
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig locates the on-disk layout. Relative paths are resolved
// against the directory containing the config file.
type PathsConfig struct {
	Workspace     string `yaml:"workspace"`      // extracted repos, skill dirs
	Results       string `yaml:"results"`        // category result directories
	Tasks         string `yaml:"tasks"`          // queue files
	ExecutionLogs string `yaml:"execution_logs"` // sandbox artifacts
}

// AnalyzerConfig configures the external analysis tool invocation.
type AnalyzerConfig struct {
	Provider   string `yaml:"provider"`     // claude-cli, gemini
	Model      string `yaml:"model"`        // model name for the provider
	PromptFile string `yaml:"prompt_file"`  // audit prompt appended as system prompt
	BaseURLEnv string `yaml:"base_url_env"` // env var holding an API base URL override
	Timeout    int    `yaml:"timeout"`      // per-task timeout in seconds
	Workers    int    `yaml:"workers"`      // bounded concurrency
	StaggerMs  int    `yaml:"stagger_ms"`   // delay between task submissions
}

// PoolConfig configures the rotating credential pool.
type PoolConfig struct {
	File       string `yaml:"file"`        // credential list, one token per line
	CursorFile string `yaml:"cursor_file"` // persisted rotation cursor
	LockFile   string `yaml:"lock_file"`   // cross-process lock
}

// SandboxConfig configures the instrumented execution environment.
type SandboxConfig struct {
	Image        string `yaml:"image"`          // container image with agent + tracing tools
	Network      string `yaml:"network"`        // none, bridge
	Timeout      int    `yaml:"timeout"`        // hard wall-clock timeout in seconds
	Workers      int    `yaml:"workers"`        // concurrent sandbox runs
	PidsLimit    int    `yaml:"pids_limit"`     // container process cap
	HookDir      string `yaml:"hook_dir"`       // protective-hook assets; empty disables hooks
	HookMode     string `yaml:"hook_mode"`      // monitor, block
	ReportWaitMs int    `yaml:"report_wait_ms"` // max wait for async hook reports
}

// LoggingConfig mirrors internal/logging's expectations.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	Dir        string          `yaml:"dir"`
}

// Default returns a Config with sensible defaults applied.
func Default() *Config {
	return &Config{
		Name:    "skillscan",
		Version: "1.0.0",
		Paths: PathsConfig{
			Workspace:     "workspace",
			Results:       "workspace/results",
			Tasks:         "tasks",
			ExecutionLogs: "execution_logs",
		},
		Analyzer: AnalyzerConfig{
			Provider:   "claude-cli",
			Model:      "sonnet",
			BaseURLEnv: "ANTHROPIC_BASE_URL",
			Timeout:    120,
			Workers:    5,
		},
		Pool: PoolConfig{
			File:       "api_keys.conf",
			CursorFile: filepath.Join(os.TempDir(), "skillscan_key_cursor"),
			LockFile:   filepath.Join(os.TempDir(), "skillscan_key_pool.lock"),
		},
		Sandbox: SandboxConfig{
			Image:        "skillscan-agent:latest",
			Network:      "bridge",
			Timeout:      900,
			Workers:      3,
			PidsLimit:    256,
			HookMode:     "monitor",
			ReportWaitMs: 10000,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   ".skillscan/logs",
		},
	}
}

// Load reads a YAML config file, merges it over defaults, applies environment
// overrides and resolves relative paths against the config file's directory.
// A missing file is not an error: defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	root := "."
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			root = filepath.Dir(path)
		}
	}

	cfg.applyEnv()
	cfg.resolvePaths(root)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies SKILLSCAN_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("SKILLSCAN_WORKSPACE"); v != "" {
		c.Paths.Workspace = v
	}
	if v := os.Getenv("SKILLSCAN_RESULTS_DIR"); v != "" {
		c.Paths.Results = v
	}
	if v := os.Getenv("SKILLSCAN_EXECUTION_LOGS_DIR"); v != "" {
		c.Paths.ExecutionLogs = v
	}
	if v := os.Getenv("SKILLSCAN_KEY_POOL"); v != "" {
		c.Pool.File = v
	}
	if v := os.Getenv("SKILLSCAN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Analyzer.Workers = n
		}
	}
	if v := os.Getenv("SKILLSCAN_EXEC_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sandbox.Timeout = n
		}
	}
}

// resolvePaths makes relative paths absolute against root.
func (c *Config) resolvePaths(root string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	c.Paths.Workspace = abs(c.Paths.Workspace)
	c.Paths.Results = abs(c.Paths.Results)
	c.Paths.Tasks = abs(c.Paths.Tasks)
	c.Paths.ExecutionLogs = abs(c.Paths.ExecutionLogs)
	c.Pool.File = abs(c.Pool.File)
	c.Analyzer.PromptFile = abs(c.Analyzer.PromptFile)
	c.Sandbox.HookDir = abs(c.Sandbox.HookDir)
	c.Logging.Dir = abs(c.Logging.Dir)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Analyzer.Workers < 1 {
		return fmt.Errorf("analyzer.workers must be >= 1, got %d", c.Analyzer.Workers)
	}
	if c.Sandbox.Workers < 1 {
		return fmt.Errorf("sandbox.workers must be >= 1, got %d", c.Sandbox.Workers)
	}
	if c.Analyzer.Timeout < 1 {
		return fmt.Errorf("analyzer.timeout must be >= 1, got %d", c.Analyzer.Timeout)
	}
	if c.Sandbox.Timeout < 1 {
		return fmt.Errorf("sandbox.timeout must be >= 1, got %d", c.Sandbox.Timeout)
	}
	switch c.Analyzer.Provider {
	case "claude-cli", "gemini":
	default:
		return fmt.Errorf("unknown analyzer provider: %s", c.Analyzer.Provider)
	}
	switch c.Sandbox.HookMode {
	case "monitor", "block", "":
	default:
		return fmt.Errorf("sandbox.hook_mode must be monitor or block, got %s", c.Sandbox.HookMode)
	}
	return nil
}

// AnalyzerTimeout returns the per-task analysis timeout as a Duration.
func (c *Config) AnalyzerTimeout() time.Duration {
	return time.Duration(c.Analyzer.Timeout) * time.Second
}

// SandboxTimeout returns the sandbox wall-clock timeout as a Duration.
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.Timeout) * time.Second
}

// ReportWait returns the maximum hook-report wait as a Duration.
func (c *Config) ReportWait() time.Duration {
	return time.Duration(c.Sandbox.ReportWaitMs) * time.Millisecond
}
