package fabricconfig

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fabricconfig: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("fabricconfig: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("fabricconfig: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, returning a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.L3.DSN == "" {
		errs = append(errs, errors.New("l3.dsn is required"))
	}
	if cfg.L3.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("l3.embedding_dimensions must be > 0"))
	}
	if cfg.L2.StoragePath == "" {
		errs = append(errs, errors.New("l2.storage_path is required"))
	}
	if cfg.L1.MaxSize <= 0 {
		errs = append(errs, errors.New("l1.max_size must be > 0"))
	}
	if cfg.L1.EvictionThreshold < 0 || cfg.L1.EvictionThreshold > 1 {
		errs = append(errs, errors.New("l1.eviction_threshold must be in [0,1]"))
	}
	if cfg.L1.LowWaterMark < 0 || cfg.L1.LowWaterMark > 1 {
		errs = append(errs, errors.New("l1.low_water_mark must be in [0,1]"))
	}
	if cfg.Coordinator.Workers < 0 {
		errs = append(errs, errors.New("coordinator.workers must be >= 0"))
	}
	if cfg.Promotions.Enabled && cfg.Promotions.Interval <= 0 {
		errs = append(errs, errors.New("promotions.interval must be > 0 when promotions.enabled is true"))
	}

	return errors.Join(errs...)
}
