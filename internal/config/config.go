// Package config loads kiln's tool configuration (not the pipeline
// manifest) from YAML, with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where kiln looks for its configuration, relative to the
// workspace root.
const DefaultPath = ".kiln/config.yaml"

// Config holds all kiln configuration.
type Config struct {
	// CacheDir is the artifact store root.
	CacheDir string `yaml:"cache_dir"`

	// Manifest is the pipeline definition file.
	Manifest string `yaml:"manifest"`

	// Workers bounds concurrent unit executions. Zero means NumCPU.
	Workers int `yaml:"workers"`

	// Watch configures watch mode.
	Watch WatchConfig `yaml:"watch"`

	// GC configures cache garbage collection.
	GC GCConfig `yaml:"gc"`

	// Logging configures the zap logger.
	Logging LoggingConfig `yaml:"logging"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	// Debounce coalesces rapid file events before re-running.
	Debounce string `yaml:"debounce"`
}

// GCConfig configures `kiln cache gc`.
type GCConfig struct {
	// KeepRuns pins artifacts touched by the most recent N runs.
	KeepRuns int `yaml:"keep_runs"`

	// MaxAge collects only artifacts older than this (e.g. "720h").
	MaxAge string `yaml:"max_age"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		CacheDir: ".kiln/cache",
		Manifest: "kiln.yaml",
		Workers:  0,
		Watch: WatchConfig{
			Debounce: "500ms",
		},
		GC: GCConfig{
			KeepRuns: 10,
			MaxAge:   "720h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("KILN_CACHE_DIR"); dir != "" {
		c.CacheDir = dir
	}
	if path := os.Getenv("KILN_MANIFEST"); path != "" {
		c.Manifest = path
	}
	if workers := os.Getenv("KILN_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			c.Workers = n
		}
	}
	if level := os.Getenv("KILN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.Manifest == "" {
		return fmt.Errorf("manifest is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if _, err := time.ParseDuration(c.Watch.Debounce); err != nil {
		return fmt.Errorf("invalid watch.debounce %q: %w", c.Watch.Debounce, err)
	}
	if c.GC.MaxAge != "" {
		if _, err := time.ParseDuration(c.GC.MaxAge); err != nil {
			return fmt.Errorf("invalid gc.max_age %q: %w", c.GC.MaxAge, err)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}

// GetDebounce returns the watch debounce as a duration.
func (c *Config) GetDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetGCMaxAge returns the GC age cutoff as a duration. Zero means no cutoff.
func (c *Config) GetGCMaxAge() time.Duration {
	if c.GC.MaxAge == "" {
		return 0
	}
	d, err := time.ParseDuration(c.GC.MaxAge)
	if err != nil {
		return 0
	}
	return d
}
