package coalescer

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultInterval is the flush period used when none is configured.
const DefaultInterval = 100 * time.Millisecond

// Config describes one coalescing session.
type Config struct {
	// Address is the streaming endpoint, e.g. ws://host:8080/feed.
	Address string
	// Interval is the flush period. Zero selects DefaultInterval.
	Interval time.Duration
	// MaxBatchSize flushes early once this many messages are buffered.
	// Zero disables size-triggered flushes.
	MaxBatchSize int
}

// DefaultConfig returns a Config with the default interval and no address.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// Validate checks the values that cannot be defaulted.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}
	if c.Interval < 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidInterval, c.Interval)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("max batch size must not be negative: got %d", c.MaxBatchSize)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// LoadConfigFromEnv reads STREAM_ADDRESS, BATCH_INTERVAL_MS and BATCH_MAX_SIZE.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.Address = os.Getenv("STREAM_ADDRESS")
	if cfg.Address == "" {
		return cfg, errors.New("STREAM_ADDRESS environment variable not set")
	}
	if v := os.Getenv("BATCH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid BATCH_INTERVAL_MS %q: %w", v, err)
		}
		cfg.Interval = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("BATCH_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid BATCH_MAX_SIZE %q: %w", v, err)
		}
		cfg.MaxBatchSize = n
	}
	cfg = cfg.withDefaults()
	return cfg, cfg.Validate()
}

type fileConfig struct {
	Address      string `yaml:"address"`
	IntervalMS   int    `yaml:"interval_ms"`
	MaxBatchSize int    `yaml:"max_batch_size"`
}

// LoadConfigFromFile reads a YAML file of the form
//
//	address: ws://localhost:8080/feed
//	interval_ms: 250
//	max_batch_size: 500
func LoadConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
	}
	cfg := Config{
		Address:      fc.Address,
		Interval:     time.Duration(fc.IntervalMS) * time.Millisecond,
		MaxBatchSize: fc.MaxBatchSize,
	}.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config in '%s': %w", path, err)
	}
	return cfg, nil
}
