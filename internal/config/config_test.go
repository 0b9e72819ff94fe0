package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BasePath != dir {
		t.Errorf("BasePath = %q, want %q", cfg.BasePath, dir)
	}
	if cfg.Engine.Concurrency <= 0 {
		t.Error("default concurrency must be positive")
	}
	if cfg.Scheduler.TickInterval != time.Minute {
		t.Errorf("TickInterval = %v, want 1m", cfg.Scheduler.TickInterval)
	}
	if cfg.LLM.Model == "" {
		t.Error("default LLM model must be set")
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
engine:
  concurrency: 3
  batch_size: 7
llm:
  model: test-model
  base_url: http://example.test:9999
logging:
  debug_mode: true
  level: debug
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Engine.Concurrency)
	}
	if cfg.Engine.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want 7", cfg.Engine.BatchSize)
	}
	if cfg.LLM.Model != "test-model" {
		t.Errorf("LLM.Model = %q, want test-model", cfg.LLM.Model)
	}
	if !cfg.Logging.DebugMode {
		t.Error("DebugMode should be true")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MEDIAFLOW_LLM_MODEL", "env-model")
	t.Setenv("MEDIAFLOW_CONCURRENCY", "5")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("LLM.Model = %q, want env-model", cfg.LLM.Model)
	}
	if cfg.Engine.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5", cfg.Engine.Concurrency)
	}
}

func TestLoad_BasePathEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BASE_PATH", dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BasePath != dir {
		t.Errorf("BasePath = %q, want %q", cfg.BasePath, dir)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, d := range []string{"outputs", "logs", "tasks", "incoming", "processing", "archive", "error", "media"} {
		if _, err := os.Stat(filepath.Join(dir, d)); err != nil {
			t.Errorf("directory %s missing: %v", d, err)
		}
	}
}
