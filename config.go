package scoped

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config holds the container settings. Values are layered: defaults, then the
// optional YAML file, then SCOPED_* environment variables.
type Config struct {
	ContainerToken     string `yaml:"container_token" env:"SCOPED_CONTAINER_TOKEN"`
	InvalidationPolicy string `yaml:"invalidation_policy" env:"SCOPED_INVALIDATION_POLICY"`
	EvictOnFailure     bool   `yaml:"evict_on_failure" env:"SCOPED_EVICT_ON_FAILURE"`
	LogLevel           string `yaml:"log_level" env:"SCOPED_LOG_LEVEL"`
	MetricsEnabled     bool   `yaml:"metrics_enabled" env:"SCOPED_METRICS_ENABLED"`
	MetricsNamespace   string `yaml:"metrics_namespace" env:"SCOPED_METRICS_NAMESPACE"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		ContainerToken:     "default",
		InvalidationPolicy: InvalidateOnAnyFailure.String(),
		LogLevel:           "info",
		MetricsNamespace:   "scoped",
	}
}

// LoadConfig loads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every setting can be applied.
func (c *Config) Validate() error {
	if _, err := ParseInvalidationPolicy(c.InvalidationPolicy); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
