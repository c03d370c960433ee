// Package plog provides config-driven categorized logging for goactivepapers.
// Logs are written to <workspace>/.papers/logs/ with one file per category.
// Logging is a silent no-op until Initialize is called and debug mode is on.
package plog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category names one of the engine's subsystems.
type Category string

const (
	CategoryContainer    Category = "container"
	CategoryProvenance   Category = "provenance"
	CategoryDataView     Category = "dataview"
	CategoryModLoader    Category = "modloader"
	CategoryCodelet      Category = "codelet"
	CategoryPaper        Category = "paper"
	CategoryRefResolver  Category = "refresolver"
	CategoryCLI          Category = "cli"
)

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	debugEnabled bool
	categories   map[Category]bool
	initMu       sync.Mutex
)

// Initialize sets up the logging directory under workspace. When debug is
// false, Get returns no-op loggers and no files are created.
func Initialize(workspace string, debug bool, enabled map[Category]bool) error {
	initMu.Lock()
	defer initMu.Unlock()

	debugEnabled = debug
	categories = enabled
	if !debug {
		return nil
	}
	if workspace == "" {
		return fmt.Errorf("plog: workspace path required when debug logging is enabled")
	}
	logsDir = filepath.Join(workspace, ".papers", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("plog: failed to create logs directory: %w", err)
	}
	return nil
}

func categoryEnabled(c Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[c]
	if !exists {
		return true
	}
	return enabled
}

// Logger writes timestamped lines for one category.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Get returns (or lazily creates) the logger for category. It is always safe
// to call even before Initialize; it simply returns a no-op logger.
func Get(category Category) *Logger {
	if !debugEnabled || !categoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

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

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[plog] warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		logger:   log.New(file, "", log.LstdFlags|log.Lmicroseconds),
		file:     file,
	}
	loggers[category] = l
	return l
}

func (l *Logger) formatMsg(format string, args ...interface{}) string {
	return fmt.Sprintf("[%s] %s", l.category, fmt.Sprintf(format, args...))
}

// Debug logs at debug level. No-op when the logger has no backing file.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[DEBUG] %s", l.formatMsg(format, args...))
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[INFO] %s", l.formatMsg(format, args...))
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[WARN] %s", l.formatMsg(format, args...))
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", l.formatMsg(format, args...))
}

// Timer measures and logs the duration of an operation.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing operation op within category.
func StartTimer(category Category, op string) *Timer {
	return &Timer{category: category, op: op, start: time.Now()}
}

// Stop ends the timer and logs the elapsed duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning instead of a debug line when elapsed
// exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
