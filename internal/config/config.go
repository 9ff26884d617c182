// Package config loads the orchestrator's single configuration record:
// YAML file first, then environment-variable overrides (ENV > File >
// Defaults), trimmed to the fields the core actually consumes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StageConfig is the per-stage tunable set: concurrency, lease duration,
// retry count, and backoff.
type StageConfig struct {
	Name        string        `yaml:"name"`
	Queue       string        `yaml:"queue"`
	Concurrency int           `yaml:"concurrency"`
	LeaseTTL    time.Duration `yaml:"leaseTTL"`
	RetryCount  int           `yaml:"retryCount"`
	Backoff     time.Duration `yaml:"backoff"`
}

// Config is the CoreContext construction argument of SPEC_FULL.md's Design
// Notes: every "global" the source kept in module-level variables becomes an
// explicit field here.
type Config struct {
	StorageRoot      string        `yaml:"storageRoot"`
	Stages           []StageConfig `yaml:"stages"`
	ReclaimInterval  time.Duration `yaml:"reclaimInterval"`
	MaxMetadataBytes int64         `yaml:"maxMetadataBytes"`
	MaxLogBytes      int64         `yaml:"maxLogBytes"`
	IndexPath        string        `yaml:"indexPath"`

	LogLevel    string `yaml:"logLevel"`
	ServiceName string `yaml:"serviceName"`

	TracingEnabled  bool   `yaml:"tracingEnabled"`
	TracingExporter string `yaml:"tracingExporter"` // "http" or "noop"
	TracingEndpoint string `yaml:"tracingEndpoint"`
}

// Default returns a single-stage configuration suitable for local runs and
// tests: one stage named "stage1" with concurrency 1 and a 30s lease.
func Default() Config {
	return Config{
		StorageRoot:     "./data",
		ReclaimInterval: 10 * time.Second,
		MaxMetadataBytes: 1 << 20,
		MaxLogBytes:      8 << 20,
		IndexPath:        "./data/index.sqlite",
		LogLevel:         "info",
		ServiceName:      "audiopipe",
		TracingExporter:  "noop",
		Stages: []StageConfig{
			{Name: "stage1", Queue: "stage1", Concurrency: 1, LeaseTTL: 30 * time.Second, RetryCount: 2, Backoff: time.Second},
		},
	}
}

// Load reads path (if non-empty and it exists) as YAML over the defaults,
// then applies AUDIOPIPE_* environment overrides (ENV > File > Defaults).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.StorageRoot = envString("AUDIOPIPE_STORAGE_ROOT", cfg.StorageRoot)
	cfg.IndexPath = envString("AUDIOPIPE_INDEX_PATH", cfg.IndexPath)
	cfg.LogLevel = envString("AUDIOPIPE_LOG_LEVEL", cfg.LogLevel)
	cfg.ServiceName = envString("AUDIOPIPE_SERVICE_NAME", cfg.ServiceName)
	cfg.ReclaimInterval = envDuration("AUDIOPIPE_RECLAIM_INTERVAL", cfg.ReclaimInterval)
	cfg.MaxMetadataBytes = envInt64("AUDIOPIPE_MAX_METADATA_BYTES", cfg.MaxMetadataBytes)
	cfg.MaxLogBytes = envInt64("AUDIOPIPE_MAX_LOG_BYTES", cfg.MaxLogBytes)
	cfg.TracingEnabled = envBool("AUDIOPIPE_TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingExporter = envString("AUDIOPIPE_TRACING_EXPORTER", cfg.TracingExporter)
	cfg.TracingEndpoint = envString("AUDIOPIPE_TRACING_ENDPOINT", cfg.TracingEndpoint)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

// Validate rejects a configuration the core cannot safely run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("config: storageRoot is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config: at least one stage is required")
	}
	seen := make(map[string]bool, len(c.Stages))
	for _, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("config: stage name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Concurrency < 1 {
			return fmt.Errorf("config: stage %q: concurrency must be >= 1", s.Name)
		}
	}
	return nil
}

// StageIndex returns the 1-indexed position of name in Stages, or 0 if not
// found.
func (c Config) StageIndex(name string) int {
	for i, s := range c.Stages {
		if s.Name == name {
			return i + 1
		}
	}
	return 0
}

// NextStage returns the stage following name, if any.
func (c Config) NextStage(name string) (StageConfig, bool) {
	idx := c.StageIndex(name)
	if idx == 0 || idx >= len(c.Stages) {
		return StageConfig{}, false
	}
	return c.Stages[idx], true
}
