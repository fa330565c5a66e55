package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfigFile writes YAML content to a temp file and returns its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

const minimalConfig = `
site:
  id: bar-main
  name: Main Bar
matrix:
  address: 192.168.1.50:23
`

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Site.ID != "bar-main" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "bar-main")
	}
	if cfg.Matrix.Address != "192.168.1.50:23" {
		t.Errorf("Matrix.Address = %q, want %q", cfg.Matrix.Address, "192.168.1.50:23")
	}

	// Defaults survive partial config
	if cfg.Database.Path != "./data/avcore.db" {
		t.Errorf("Database.Path = %q, want default", cfg.Database.Path)
	}
	if cfg.Connections.Reconnect.Strategy != "exponential" {
		t.Errorf("Reconnect.Strategy = %q, want exponential", cfg.Connections.Reconnect.Strategy)
	}
	if cfg.Connections.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.Connections.FailureThreshold)
	}
	if cfg.Sequencer.RouteSettleMS != 4000 {
		t.Errorf("RouteSettleMS = %d, want 4000", cfg.Sequencer.RouteSettleMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() should fail for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "site: [unclosed")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail for invalid YAML")
	}
}

func TestValidateRejectsMissingMatrixAddress(t *testing.T) {
	path := writeConfigFile(t, `
site:
  id: bar-main
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail without matrix.address")
	}
	if !strings.Contains(err.Error(), "matrix.address") {
		t.Errorf("error should mention matrix.address, got: %v", err)
	}
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	path := writeConfigFile(t, minimalConfig+`
connections:
  reconnect:
    strategy: random
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail for unknown backoff strategy")
	}
	if !strings.Contains(err.Error(), "strategy") {
		t.Errorf("error should mention strategy, got: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)

	t.Setenv("AVCORE_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("AVCORE_MATRIX_ADDRESS", "10.0.0.9:5000")
	t.Setenv("AVCORE_API_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Matrix.Address != "10.0.0.9:5000" {
		t.Errorf("Matrix.Address = %q, want env override", cfg.Matrix.Address)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
}

func TestDurationGetters(t *testing.T) {
	path := writeConfigFile(t, minimalConfig+`
connections:
  connect_timeout_ms: 2500
  idle_timeout_ms: 120000
  reconnect:
    strategy: linear
    initial_delay_ms: 500
    max_delay_ms: 10000
sequencer:
  cooldown_ms: 1500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if got := cfg.Connections.ConnectTimeout(); got != 2500*time.Millisecond {
		t.Errorf("ConnectTimeout() = %v, want 2.5s", got)
	}
	if got := cfg.Connections.IdleTimeout(); got != 2*time.Minute {
		t.Errorf("IdleTimeout() = %v, want 2m", got)
	}
	if got := cfg.Connections.Reconnect.InitialDelay(); got != 500*time.Millisecond {
		t.Errorf("InitialDelay() = %v, want 500ms", got)
	}
	if got := cfg.Sequencer.Cooldown(); got != 1500*time.Millisecond {
		t.Errorf("Cooldown() = %v, want 1.5s", got)
	}
}
