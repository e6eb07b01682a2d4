package process

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultMaxHops bounds chained automatic transitions within one top-level
// call into the engine.
const DefaultMaxHops = 100

// Config carries the tunable engine settings. Zero values select defaults.
type Config struct {
	// MaxHops bounds chained automatic transitions per call. Default 100.
	MaxHops int `yaml:"maxHops"`

	// DisablePermissions turns off permission checks for every call; the
	// per-call equivalent is WithPermissionChecksDisabled.
	DisablePermissions bool `yaml:"disablePermissions"`

	// BatchWorkers sizes the worker pool used for per-object advancement
	// in batch starts. Zero means advance sequentially.
	BatchWorkers int `yaml:"batchWorkers"`

	// BatchQueue sizes the batch worker queue. Default 128.
	BatchQueue int `yaml:"batchQueue"`
}

func (c Config) withDefaults() Config {
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	if c.BatchQueue <= 0 {
		c.BatchQueue = 128
	}
	return c
}

// LoadConfig loads engine settings from a YAML file and applies environment
// overrides with the STEPFLOW_ prefix: STEPFLOW_MAX_HOPS,
// STEPFLOW_DISABLE_PERMISSIONS, STEPFLOW_BATCH_WORKERS, STEPFLOW_BATCH_QUEUE.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("STEPFLOW_MAX_HOPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEPFLOW_MAX_HOPS: %w", err)
		}
		cfg.MaxHops = n
	}
	if v := os.Getenv("STEPFLOW_DISABLE_PERMISSIONS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STEPFLOW_DISABLE_PERMISSIONS: %w", err)
		}
		cfg.DisablePermissions = b
	}
	if v := os.Getenv("STEPFLOW_BATCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEPFLOW_BATCH_WORKERS: %w", err)
		}
		cfg.BatchWorkers = n
	}
	if v := os.Getenv("STEPFLOW_BATCH_QUEUE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEPFLOW_BATCH_QUEUE: %w", err)
		}
		cfg.BatchQueue = n
	}
	return nil
}
