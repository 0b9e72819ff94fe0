// Package logging provides config-driven categorized file-based logging for mediaflow.
// Logs are written to <base>/logs/ with separate files per category.
// Logging is controlled by the logging section of <base>/config.yaml - when
// debug_mode is false, no log files are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/system.
type Category string

const (
	// Core engine categories
	CategoryBoot      Category = "boot"      // Startup/initialization
	CategoryStore     Category = "store"     // SQLite store operations
	CategoryLoop      Category = "loop"      // Task loop, worker pool
	CategoryDispatch  Category = "dispatch"  // Dispatcher routing
	CategoryRetry     Category = "retry"     // Retry manager decisions
	CategoryScheduler Category = "scheduler" // Cron scheduler ticks
	CategoryPlanner   Category = "planner"   // Planner expansion
	CategoryAnalytics Category = "analytics" // Event log, reports

	// Collaborator categories
	CategoryAPI   Category = "api"   // LLM and search HTTP calls
	CategoryMedia Category = "media" // Media executor activity
	CategoryInbox Category = "inbox" // Inbox watcher
)

// Options mirror the logging section of config.yaml. Kept as a local type so
// the logging package does not import internal/config.
type Options struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// configFile is the subset of config.yaml the logger reads directly.
type configFile struct {
	Logging Options `yaml:"logging"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	basePath  string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads the logging section of
// config.yaml. Should be called once at startup with the base path.
func Initialize(base string) error {
	if base == "" {
		return fmt.Errorf("base path required")
	}

	basePath = base
	logsDir = filepath.Join(basePath, "logs")

	if err := loadOptions(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		opts.DebugMode = false
	}

	// Silent no-op in production mode.
	if !opts.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== mediaflow logging initialized ===")
	boot.Info("Base path: %s", basePath)
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", opts.Level)
	return nil
}

// InitializeWithOptions sets up logging with explicit options, bypassing the
// config file read. Used by tests and by callers that already hold a config.
func InitializeWithOptions(base string, o Options) error {
	if base == "" {
		return fmt.Errorf("base path required")
	}
	basePath = base
	logsDir = filepath.Join(basePath, "logs")

	optsMu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	optsMu.Unlock()

	if !o.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// loadOptions reads the logging options from <base>/config.yaml.
func loadOptions() error {
	optsMu.Lock()
	defer optsMu.Unlock()

	configPath := filepath.Join(basePath, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging).
			opts = Options{}
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	opts = cf.Logging
	logLevel = parseLevel(opts.Level)
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	// No category filter = all enabled.
	if len(opts.Categories) == 0 {
		return true
	}
	enabled, ok := opts.Categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns the logger for a category, creating it if needed.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	l := &Logger{category: category}

	if IsCategoryEnabled(category) && logsDir != "" {
		path := filepath.Join(logsDir, string(category)+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			l.file = file
			l.logger = log.New(file, "", 0)
		}
	}

	loggers[category] = l
	return l
}

// Close flushes and closes all open log files.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
			l.file = nil
			l.logger = nil
		}
	}
	loggers = make(map[Category]*Logger)
}

func (l *Logger) write(level int, levelName, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	optsMu.RLock()
	min := logLevel
	optsMu.RUnlock()
	if level < min {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] %s", ts, levelName, l.category, msg)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// Convenience helpers for hot categories.

// Store logs an info message to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs a debug message to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Loop logs an info message to the loop category.
func Loop(format string, args ...interface{}) {
	Get(CategoryLoop).Info(format, args...)
}

// LoopDebug logs a debug message to the loop category.
func LoopDebug(format string, args ...interface{}) {
	Get(CategoryLoop).Debug(format, args...)
}

// Dispatch logs an info message to the dispatch category.
func Dispatch(format string, args ...interface{}) {
	Get(CategoryDispatch).Info(format, args...)
}

// DispatchDebug logs a debug message to the dispatch category.
func DispatchDebug(format string, args ...interface{}) {
	Get(CategoryDispatch).Debug(format, args...)
}

// Retry logs an info message to the retry category.
func Retry(format string, args ...interface{}) {
	Get(CategoryRetry).Info(format, args...)
}

// RetryDebug logs a debug message to the retry category.
func RetryDebug(format string, args ...interface{}) {
	Get(CategoryRetry).Debug(format, args...)
}

// Scheduler logs an info message to the scheduler category.
func Scheduler(format string, args ...interface{}) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs a debug message to the scheduler category.
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

// Planner logs an info message to the planner category.
func Planner(format string, args ...interface{}) {
	Get(CategoryPlanner).Info(format, args...)
}

// Timer tracks the duration of an operation for performance logging.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed duration at debug level.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.operation, elapsed)
}

// StopWithInfo logs the elapsed duration at info level.
func (t *Timer) StopWithInfo() {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s took %v", t.operation, elapsed)
}
