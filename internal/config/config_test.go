package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "eegpipe.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "eegpipe:\n  log:\n    level: debug\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected overridden log level, got %q", cfg.Log.Level)
	}
	if len(cfg.Executor.Groups) == 0 {
		t.Error("expected default executor groups to be populated")
	}
	if cfg.Broker.ListenAddr != ":8787" {
		t.Errorf("expected default broker listen addr, got %q", cfg.Broker.ListenAddr)
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, "eegpipe:\n  log:\n    level: nonsense\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestLoadRejectsZeroShutdownBudget(t *testing.T) {
	path := writeConfig(t, "eegpipe:\n  executor:\n    shutdown_budget: 0s\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a zero shutdown budget")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "eegpipe:\n  log:\n    level: info\n")
	t.Setenv("EEGPIPE_LOG_LEVEL", "warn")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected env override to take effect, got %q", cfg.Log.Level)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestExecutorShutdownBudgetDefault(t *testing.T) {
	cfg := Default()
	if cfg.Executor.ShutdownBudget != 2*time.Second {
		t.Errorf("expected 2s default shutdown budget, got %v", cfg.Executor.ShutdownBudget)
	}
}
