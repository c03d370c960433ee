package plog

import (
	"os"
	"path/filepath"
	"testing"
)

func resetState() {
	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
	debugEnabled = false
	categories = nil
	logsDir = ""
}

func TestGetBeforeInitializeIsNoop(t *testing.T) {
	resetState()
	l := Get(CategoryCodelet)
	// Must not panic even though no file backs it.
	l.Info("hello %d", 1)
}

func TestInitializeCreatesLogDirWhenDebug(t *testing.T) {
	resetState()
	dir := t.TempDir()
	if err := Initialize(dir, true, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".papers", "logs")); err != nil {
		t.Fatalf("expected logs directory to exist: %v", err)
	}
}

func TestInitializeRequiresWorkspaceWhenDebug(t *testing.T) {
	resetState()
	if err := Initialize("", true, nil); err == nil {
		t.Fatalf("expected error enabling debug logging with no workspace")
	}
}

func TestGetWritesLogFileWhenEnabled(t *testing.T) {
	resetState()
	dir := t.TempDir()
	if err := Initialize(dir, true, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Get(CategoryCodelet).Info("test message")

	matches, err := filepath.Glob(filepath.Join(dir, ".papers", "logs", "*_codelet.log"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %v, want exactly one codelet log file", matches)
	}
}

func TestCategoryDisabledSuppressesLogging(t *testing.T) {
	resetState()
	dir := t.TempDir()
	if err := Initialize(dir, true, map[Category]bool{CategoryCodelet: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Get(CategoryCodelet).Info("should not be written")

	matches, err := filepath.Glob(filepath.Join(dir, ".papers", "logs", "*_codelet.log"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no log file for a disabled category, got %v", matches)
	}
}

func TestTimerStopReturnsNonNegativeDuration(t *testing.T) {
	resetState()
	timer := StartTimer(CategoryPaper, "op")
	d := timer.Stop()
	if d < 0 {
		t.Fatalf("got negative duration %v", d)
	}
}
