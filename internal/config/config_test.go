package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultRetryValues(t *testing.T) {
	cfg := Default()

	if cfg.Retry.BaseDelay != 30*time.Second {
		t.Errorf("BaseDelay = %v, want 30s", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.MaxDelay != time.Hour {
		t.Errorf("MaxDelay = %v, want 1h", cfg.Retry.MaxDelay)
	}
	if cfg.Retry.Multiplier != 2 {
		t.Errorf("Multiplier = %v, want 2", cfg.Retry.Multiplier)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Runner.AssistantPath != "claude" {
		t.Errorf("AssistantPath = %q, want %q", cfg.Runner.AssistantPath, "claude")
	}
}

func TestEnsureDirsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.LogsDir = filepath.Join(dir, "logs")
	cfg.Paths.RegistryDir = filepath.Join(dir, "registry")
	cfg.Paths.ProgressDir = filepath.Join(dir, "progress")

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs (second call): %v", err)
	}
}

func TestSessionDBPath(t *testing.T) {
	cfg := Default()
	cfg.Paths.DataDir = "/tmp/example"
	if got := cfg.SessionDBPath(); got != filepath.Join("/tmp/example", "sessions.db") {
		t.Errorf("SessionDBPath = %q", got)
	}
}
