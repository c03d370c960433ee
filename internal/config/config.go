// Package config loads goactivepapers runtime configuration: library search
// path, section roots, the calclet import whitelist, and logging settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the plog subsystem.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Categories map[string]bool `yaml:"categories"`
}

// Config holds all goactivepapers configuration.
type Config struct {
	// LibraryPath is ACTIVEPAPERS_LIBRARY: a colon-separated list of
	// directory roots searched by the reference resolver.
	LibraryPath []string `yaml:"library_path"`

	// AllowedStdlib is the fixed allow-list of standard-library-equivalent
	// module names deemed reproducible enough for calclets to import
	// without being declared as an external dependency.
	AllowedStdlib []string `yaml:"allowed_stdlib"`

	// RuntimePackages are the numeric/container packages the engine itself
	// depends on and therefore always allows calclets to import.
	RuntimePackages []string `yaml:"runtime_packages"`

	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the engine's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LibraryPath: nil,
		AllowedStdlib: []string{
			"strings", "strconv", "fmt", "math", "regexp",
			"encoding/json", "encoding/base64", "time", "sort", "bytes",
			"path", "path/filepath", "errors", "unicode",
		},
		RuntimePackages: []string{
			"numeric", "container",
		},
		Logging: LoggingConfig{
			Debug:      false,
			Categories: map[string]bool{},
		},
	}
}

// Load reads YAML configuration from path and merges it over DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// LibraryPathFromEnv parses the ACTIVEPAPERS_LIBRARY environment variable
// into an ordered list of directory roots.
func LibraryPathFromEnv() []string {
	raw := os.Getenv("ACTIVEPAPERS_LIBRARY")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ":")
	roots := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			roots = append(roots, p)
		}
	}
	return roots
}
