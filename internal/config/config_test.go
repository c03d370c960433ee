package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigHasAllowedStdlib(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.AllowedStdlib) == 0 {
		t.Fatalf("expected a non-empty default stdlib allow-list")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load of a missing file should fall back to defaults, got error: %v", err)
	}
	if len(cfg.AllowedStdlib) != len(DefaultConfig().AllowedStdlib) {
		t.Fatalf("expected default allow-list when config file is absent")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	yaml := "library_path:\n  - /lib/one\n  - /lib/two\nlogging:\n  debug: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.LibraryPath) != 2 || cfg.LibraryPath[0] != "/lib/one" {
		t.Fatalf("got LibraryPath=%v", cfg.LibraryPath)
	}
	if !cfg.Logging.Debug {
		t.Fatalf("expected logging.debug to be true")
	}
	if len(cfg.AllowedStdlib) == 0 {
		t.Fatalf("expected default allow-list to survive when the YAML doesn't override it")
	}
}

func TestLibraryPathFromEnv(t *testing.T) {
	t.Setenv("ACTIVEPAPERS_LIBRARY", "/a:/b::/c")
	got := LibraryPathFromEnv()
	want := []string{"/a", "/b", "/c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLibraryPathFromEnvUnset(t *testing.T) {
	t.Setenv("ACTIVEPAPERS_LIBRARY", "")
	if got := LibraryPathFromEnv(); got != nil {
		t.Fatalf("expected nil for unset env var, got %v", got)
	}
}
