package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all stagecheck workspace configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Artifact store
	Store StoreConfig `yaml:"store"`

	// Stage dispatch limits and failure policy
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Verification backend
	Engine EngineConfig `yaml:"engine"`

	// Explicit retry policy for engine failures (no implicit retries)
	Retry RetryConfig `yaml:"retry"`

	// Property tag index rules
	Properties PropertiesConfig `yaml:"properties"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Span export
	Tracing TracingConfig `yaml:"tracing"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the content-addressed artifact store.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`
	// Path of the SQLite database, relative to the workspace unless absolute.
	Path string `yaml:"path"`
}

// EngineConfig configures the verification engine adapter.
type EngineConfig struct {
	Backend      string   `yaml:"backend"` // bmc, exec
	Command      string   `yaml:"command"` // exec backend only
	Args         []string `yaml:"args"`
	DefaultDepth int      `yaml:"default_depth"`
}

// RetryConfig configures bounded engine retries.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`       // 1 = no retry
	DepthStep         int     `yaml:"depth_step"`         // added to depth per retry
	TimeoutMultiplier float64 `yaml:"timeout_multiplier"` // applied to timeout per retry
	Backoff           string  `yaml:"backoff"`            // wait before retry n is n*backoff
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir receives one JSON span file per day, relative to the workspace
	// unless absolute.
	Dir string `yaml:"dir"`
}

// PropertiesConfig configures tag validation.
type PropertiesConfig struct {
	// StrictSingleTag rejects properties carrying more than one phase tag.
	StrictSingleTag bool `yaml:"strict_single_tag"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "stagecheck",
		Version: "0.3.0",

		Store: StoreConfig{
			Backend: "sqlite",
			Path:    ".stagecheck/artifacts.db",
		},

		Scheduler: DefaultSchedulerConfig(),

		Engine: EngineConfig{
			Backend:      "bmc",
			DefaultDepth: 20,
		},

		Retry: RetryConfig{
			MaxAttempts:       1,
			TimeoutMultiplier: 1.0,
		},

		Properties: PropertiesConfig{
			StrictSingleTag: true,
		},

		Tracing: TracingConfig{
			Dir: ".stagecheck/traces",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultPath returns the config location inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".stagecheck", "config.yaml")
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("STAGECHECK_DB"); path != "" {
		if path == "memory" {
			c.Store.Backend = "memory"
		} else {
			c.Store.Backend = "sqlite"
			c.Store.Path = path
		}
	}
	if v := os.Getenv("STAGECHECK_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.MaxParallelEngines = n
		}
	}
	if backend := os.Getenv("STAGECHECK_ENGINE"); backend != "" {
		c.Engine.Backend = backend
	}
	if v := os.Getenv("STAGECHECK_ENGINE_TIMEOUT"); v != "" {
		c.Scheduler.EngineTimeout = v
	}
}

// StorePath resolves the store path against the workspace.
func (c *Config) StorePath(workspace string) string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(workspace, c.Store.Path)
}

// TracesDir resolves the span export directory against the workspace.
func (c *Config) TracesDir(workspace string) string {
	if filepath.IsAbs(c.Tracing.Dir) {
		return c.Tracing.Dir
	}
	return filepath.Join(workspace, c.Tracing.Dir)
}

// GetRetryBackoff returns the base wait between engine retries.
func (c *Config) GetRetryBackoff() time.Duration {
	return parseDuration(c.Retry.Backoff, 0)
}

// ValidBackends lists the supported engine backends.
var ValidBackends = []string{"bmc", "exec"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store backend: %q (valid: sqlite, memory)", c.Store.Backend)
	}

	validBackend := false
	for _, b := range ValidBackends {
		if c.Engine.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid engine backend: %s (valid: %v)", c.Engine.Backend, ValidBackends)
	}
	if c.Engine.Backend == "exec" && c.Engine.Command == "" {
		return fmt.Errorf("engine.command is required for the exec backend")
	}
	if c.Engine.DefaultDepth < 1 {
		return fmt.Errorf("engine.default_depth must be >= 1")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.DepthStep < 0 {
		return fmt.Errorf("retry.depth_step must be >= 0")
	}
	if c.Retry.TimeoutMultiplier != 0 && c.Retry.TimeoutMultiplier < 1 {
		return fmt.Errorf("retry.timeout_multiplier must be >= 1")
	}
	if c.Retry.Backoff != "" {
		if d, err := time.ParseDuration(c.Retry.Backoff); err != nil || d < 0 {
			return fmt.Errorf("invalid retry.backoff %q", c.Retry.Backoff)
		}
	}

	if c.Tracing.Enabled && c.Tracing.Dir == "" {
		return fmt.Errorf("tracing.dir is required when tracing is enabled")
	}

	return c.ValidateSchedulerLimits()
}

// parseDuration parses a duration string, falling back to def.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
