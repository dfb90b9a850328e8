package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Expected :8080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Expected memory backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Execution.MaxParallel != 4 {
		t.Errorf("Expected max parallel 4, got %d", cfg.Execution.MaxParallel)
	}
	if cfg.Execution.Timeouts.Optimize != 120*time.Second {
		t.Errorf("Expected 120s optimize budget, got %v", cfg.Execution.Timeouts.Optimize)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  listen_addr: ":9090"
  read_timeout: 10s
storage:
  backend: sqlite
  path: /tmp/planweave.db
execution:
  max_parallel: 8
  timeouts:
    optimize: 45s
telemetry:
  logging:
    level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("Expected :9090, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("Expected 10s read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Expected default write timeout to survive, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "/tmp/planweave.db" {
		t.Errorf("Expected sqlite storage, got %+v", cfg.Storage)
	}
	if cfg.Execution.MaxParallel != 8 {
		t.Errorf("Expected max parallel 8, got %d", cfg.Execution.MaxParallel)
	}
	if cfg.Execution.Timeouts.Optimize != 45*time.Second {
		t.Errorf("Expected 45s optimize budget, got %v", cfg.Execution.Timeouts.Optimize)
	}
	if cfg.Execution.Timeouts.Forecast != 120*time.Second {
		t.Errorf("Expected default forecast budget to survive, got %v", cfg.Execution.Timeouts.Forecast)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug log level, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PLANWEAVE_LISTEN_ADDR", ":7070")
	t.Setenv("PLANWEAVE_STORAGE_BACKEND", "sqlite")
	t.Setenv("PLANWEAVE_DB_PATH", "/tmp/override.db")
	t.Setenv("PLANWEAVE_MAX_PARALLEL", "16")
	t.Setenv("PLANWEAVE_TIMEOUT_OPTIMIZE", "90s")
	t.Setenv("PLANWEAVE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("Expected :7070, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path != "/tmp/override.db" {
		t.Errorf("Expected sqlite override, got %+v", cfg.Storage)
	}
	if cfg.Execution.MaxParallel != 16 {
		t.Errorf("Expected max parallel 16, got %d", cfg.Execution.MaxParallel)
	}
	if cfg.Execution.Timeouts.Optimize != 90*time.Second {
		t.Errorf("Expected 90s optimize budget, got %v", cfg.Execution.Timeouts.Optimize)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Expected warn log level, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("PLANWEAVE_STORAGE_BACKEND", "postgres")

	_, err := Load("")
	if err == nil {
		t.Fatal("Expected validation error for unsupported backend, got nil")
	}
}

func TestLoad_SQLiteRequiresPath(t *testing.T) {
	t.Setenv("PLANWEAVE_STORAGE_BACKEND", "sqlite")

	_, err := Load("")
	if err == nil {
		t.Fatal("Expected validation error for sqlite without a path, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	if err == nil {
		t.Fatal("Expected error for missing config file, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  read_timeout: soon
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected error for invalid duration, got nil")
	}
}
