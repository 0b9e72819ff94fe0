// Package config holds all mediaflow configuration. The config is loaded once
// at startup (defaults, then <BASE_PATH>/config.yaml, then environment
// overrides) and treated as immutable for the process lifetime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mediaflow configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// BasePath is the root for all derived directories. Not read from the
	// config file; it comes from the BASE_PATH environment variable or the
	// --base flag and the file is loaded relative to it.
	BasePath string `yaml:"-"`

	// Engine configures the task loop.
	Engine EngineConfig `yaml:"engine"`

	// Scheduler configures cron template instantiation.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// LLM configures the text-generation service.
	LLM LLMConfig `yaml:"llm"`

	// Search configures the search index service.
	Search SearchConfig `yaml:"search"`

	// Media configures external media tool binaries.
	Media MediaConfig `yaml:"media"`

	// Logging configures the categorized file logger.
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures the task loop and worker pool.
type EngineConfig struct {
	// Concurrency is the worker pool size. 0 = number of CPUs.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is how often the loop scans for ready tasks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchSize bounds how many ready tasks one poll fetches.
	BatchSize int `yaml:"batch_size"`

	// TaskTimeout is the wall-clock budget per task. 0 = no limit.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// QueueWarnDepth is the ready-queue depth above which producers are
	// asked to throttle (warn, never drop).
	QueueWarnDepth int `yaml:"queue_warn_depth"`
}

// SchedulerConfig configures the cron scheduler.
type SchedulerConfig struct {
	// TickInterval is how often due schedules are evaluated.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// LLMConfig configures the text-generation service client.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrent caps in-flight generation requests.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// SearchConfig configures the search index client.
type SearchConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Index   string        `yaml:"index"`
	Timeout time.Duration `yaml:"timeout"`
}

// MediaConfig configures external media tool binaries. Tools are invoked with
// explicit argument vectors, never through a shell.
type MediaConfig struct {
	YtDlpPath   string `yaml:"yt_dlp_path"`
	FfprobePath string `yaml:"ffprobe_path"`
	WhisperPath string `yaml:"whisper_path"`
}

// LoggingConfig configures logging. Mirrors logging.Options.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mediaflow",
		Version: "0.4.0",

		Engine: EngineConfig{
			Concurrency:    runtime.NumCPU(),
			PollInterval:   500 * time.Millisecond,
			BatchSize:      16,
			TaskTimeout:    30 * time.Minute,
			QueueWarnDepth: 200,
		},

		Scheduler: SchedulerConfig{
			TickInterval: time.Minute,
		},

		LLM: LLMConfig{
			BaseURL:       "http://localhost:11434",
			Model:         "llama3.1",
			Timeout:       5 * time.Minute,
			MaxConcurrent: 2,
		},

		Search: SearchConfig{
			Enabled: false,
			BaseURL: "http://localhost:7700",
			Index:   "media",
			Timeout: 15 * time.Second,
		},

		Media: MediaConfig{
			YtDlpPath:   "yt-dlp",
			FfprobePath: "ffprobe",
			WhisperPath: "whisper",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load builds the process configuration: defaults, then <base>/config.yaml if
// present, then environment overrides. base may be empty, in which case
// BASE_PATH is consulted and finally the current working directory.
func Load(base string) (*Config, error) {
	cfg := DefaultConfig()

	if base == "" {
		base = os.Getenv("BASE_PATH")
	}
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		base = wd
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	cfg.BasePath = abs

	path := filepath.Join(cfg.BasePath, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.Engine.Concurrency <= 0 {
		cfg.Engine.Concurrency = runtime.NumCPU()
	}
	if cfg.Engine.BatchSize <= 0 {
		cfg.Engine.BatchSize = 16
	}
	if cfg.Engine.PollInterval <= 0 {
		cfg.Engine.PollInterval = 500 * time.Millisecond
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = time.Minute
	}

	return cfg, nil
}

// applyEnvOverrides applies MEDIAFLOW_* environment variables on top of the
// file-loaded configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEDIAFLOW_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("MEDIAFLOW_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MEDIAFLOW_SEARCH_BASE_URL"); v != "" {
		cfg.Search.BaseURL = v
		cfg.Search.Enabled = true
	}
	if v := os.Getenv("MEDIAFLOW_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("MEDIAFLOW_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.Concurrency = n
		}
	}
	if v := os.Getenv("MEDIAFLOW_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
}

// Directory layout derived from BasePath.

// DatabasePath returns the path of the embedded task store.
func (c *Config) DatabasePath() string { return filepath.Join(c.BasePath, "tasks", "tasks.db") }

// OutputsDir returns the directory for task output artifacts.
func (c *Config) OutputsDir() string { return filepath.Join(c.BasePath, "outputs") }

// LogsDir returns the directory for category log files.
func (c *Config) LogsDir() string { return filepath.Join(c.BasePath, "logs") }

// TasksDir returns the directory holding the task store.
func (c *Config) TasksDir() string { return filepath.Join(c.BasePath, "tasks") }

// IncomingDir returns the inbox watch directory.
func (c *Config) IncomingDir() string { return filepath.Join(c.BasePath, "incoming") }

// ProcessingDir returns the directory inbox files move to once accepted.
func (c *Config) ProcessingDir() string { return filepath.Join(c.BasePath, "processing") }

// ArchiveDir returns the long-term archive directory.
func (c *Config) ArchiveDir() string { return filepath.Join(c.BasePath, "archive") }

// ErrorDir returns the directory for rejected inbox files.
func (c *Config) ErrorDir() string { return filepath.Join(c.BasePath, "error") }

// MediaDir returns the media library directory.
func (c *Config) MediaDir() string { return filepath.Join(c.BasePath, "media") }

// EnsureDirectories creates the full derived directory layout.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.OutputsDir(), c.LogsDir(), c.TasksDir(), c.IncomingDir(),
		c.ProcessingDir(), c.ArchiveDir(), c.ErrorDir(), c.MediaDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// LoggingOptions converts the logging section to the shape the logging
// package consumes.
func (c *Config) LoggingOptions() (bool, string, map[string]bool) {
	return c.Logging.DebugMode, c.Logging.Level, c.Logging.Categories
}
