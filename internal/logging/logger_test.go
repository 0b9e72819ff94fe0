package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitializeWithOptions_DebugDisabled(t *testing.T) {
	dir := t.TempDir()
	defer Close()

	if err := InitializeWithOptions(dir, Options{DebugMode: false}); err != nil {
		t.Fatalf("InitializeWithOptions failed: %v", err)
	}

	// No logs directory should be created in production mode.
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("expected no logs directory when debug mode disabled")
	}

	// Writes must be silent no-ops.
	Store("this should go nowhere")
}

func TestInitializeWithOptions_DebugEnabled(t *testing.T) {
	dir := t.TempDir()
	defer Close()

	err := InitializeWithOptions(dir, Options{DebugMode: true, Level: "debug"})
	if err != nil {
		t.Fatalf("InitializeWithOptions failed: %v", err)
	}

	Store("store message %d", 42)
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "store.log"))
	if err != nil {
		t.Fatalf("expected store.log to exist: %v", err)
	}
	if !strings.Contains(string(data), "store message 42") {
		t.Errorf("log file missing message, got: %s", data)
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	defer Close()

	err := InitializeWithOptions(dir, Options{DebugMode: true, Level: "warn"})
	if err != nil {
		t.Fatalf("InitializeWithOptions failed: %v", err)
	}

	l := Get(CategoryLoop)
	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "loop.log"))
	if err != nil {
		t.Fatalf("expected loop.log to exist: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("lines below warn level were written: %s", out)
	}
	if !strings.Contains(out, "warn line") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	defer Close()

	err := InitializeWithOptions(dir, Options{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"retry": false},
	})
	if err != nil {
		t.Fatalf("InitializeWithOptions failed: %v", err)
	}

	if IsCategoryEnabled(CategoryRetry) {
		t.Error("retry category should be disabled")
	}
	if !IsCategoryEnabled(CategoryStore) {
		t.Error("store category should default to enabled")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
