// Package config loads engine configuration from an optional YAML file with
// PLANWEAVE_* environment overrides applied on top. Validation runs after
// both layers, so a bad override fails startup the same way a bad file does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/planweave/planweave/pkg/engine"
	"github.com/planweave/planweave/pkg/telemetry"
)

// Config is the full engine configuration.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server" validate:"required"`

	// Storage selects and configures the persistence backend.
	Storage StorageConfig `yaml:"storage" validate:"required"`

	// Execution configures the scheduler and step timeouts.
	Execution ExecutionConfig `yaml:"execution" validate:"required"`

	// TemplateDir is an optional directory of extra plan templates.
	TemplateDir string `yaml:"template_dir,omitempty"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// ListenAddr is the host:port the API binds to.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UnmarshalYAML decodes listener timeouts declared as Go duration strings.
// Absent keys keep their current values.
func (c *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ListenAddr      string `yaml:"listen_addr"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.ListenAddr != "" {
		c.ListenAddr = raw.ListenAddr
	}
	for _, field := range []struct {
		value string
		dst   *time.Duration
	}{
		{raw.ReadTimeout, &c.ReadTimeout},
		{raw.WriteTimeout, &c.WriteTimeout},
		{raw.ShutdownTimeout, &c.ShutdownTimeout},
	} {
		if field.value == "" {
			continue
		}
		d, err := time.ParseDuration(field.value)
		if err != nil {
			return fmt.Errorf("invalid server timeout %q: %w", field.value, err)
		}
		*field.dst = d
	}
	return nil
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend" validate:"required,oneof=memory sqlite"`

	// Path is the SQLite database file, required for the sqlite backend.
	Path string `yaml:"path,omitempty" validate:"required_if=Backend sqlite"`
}

// ExecutionConfig configures the scheduler.
type ExecutionConfig struct {
	// MaxParallel bounds in-flight steps within a level.
	MaxParallel int `yaml:"max_parallel" validate:"min=1,max=64"`

	// Timeouts are the per-step-type execution budgets.
	Timeouts engine.Timeouts `yaml:"timeouts"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Execution: ExecutionConfig{
			MaxParallel: 4,
			Timeouts:    engine.DefaultTimeouts(),
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// non-empty, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides layers PLANWEAVE_* environment variables over the
// loaded configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLANWEAVE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("PLANWEAVE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("PLANWEAVE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PLANWEAVE_TEMPLATE_DIR"); v != "" {
		cfg.TemplateDir = v
	}
	if v := os.Getenv("PLANWEAVE_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Execution.MaxParallel = n
		}
	}
	if v := os.Getenv("PLANWEAVE_LOG_LEVEL"); v != "" {
		cfg.Telemetry.Logging.Level = v
	}
	if v := os.Getenv("PLANWEAVE_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Tracing.Enabled = b
		}
	}

	overrideTimeout := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	overrideTimeout("PLANWEAVE_TIMEOUT_FORECAST", &cfg.Execution.Timeouts.Forecast)
	overrideTimeout("PLANWEAVE_TIMEOUT_POLICY", &cfg.Execution.Timeouts.Policy)
	overrideTimeout("PLANWEAVE_TIMEOUT_OPTIMIZE", &cfg.Execution.Timeouts.Optimize)
	overrideTimeout("PLANWEAVE_TIMEOUT_DIAGNOSE", &cfg.Execution.Timeouts.Diagnose)
	overrideTimeout("PLANWEAVE_TIMEOUT_EXPLAIN", &cfg.Execution.Timeouts.Explain)
	overrideTimeout("PLANWEAVE_TIMEOUT_EVIDENCE", &cfg.Execution.Timeouts.Evidence)
}
