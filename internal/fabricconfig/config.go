// Package fabricconfig provides the configuration schema and YAML loader for
// a memory fabric deployment.
package fabricconfig

import "time"

// Config is the root configuration for a Fabric instance.
type Config struct {
	L1          L1Config          `yaml:"l1"`
	L2          L2Config          `yaml:"l2"`
	L3          L3Config          `yaml:"l3"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Promotions  PromotionsConfig  `yaml:"promotions"`
}

// L1Config configures the in-memory working-set cache.
type L1Config struct {
	MaxSize              int     `yaml:"max_size"`
	EvictionThreshold    float64 `yaml:"eviction_threshold"`
	LowWaterMark         float64 `yaml:"low_water_mark"`
	Alpha                int8    `yaml:"alpha"`
	PromotionThreshold   int     `yaml:"promotion_threshold"`
	PromotionRequeueStep int     `yaml:"promotion_requeue_step"`
}

// L2Config configures the disk-backed warm cache.
type L2Config struct {
	StoragePath string `yaml:"storage_path"`
	MaxSize     int    `yaml:"max_size"`
	VectorDim   int    `yaml:"vector_dim"`
}

// L3Config configures the transactional ground-truth store.
type L3Config struct {
	DSN                 string `yaml:"dsn"`
	ReplicaDSN          string `yaml:"replica_dsn"`
	ReadOnly            bool   `yaml:"read_only"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
}

// OutboxConfig configures the transactional outbox.
type OutboxConfig struct {
	MaxPending         int           `yaml:"max_pending"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
}

// CoordinatorConfig configures the cache coordinator worker pool.
type CoordinatorConfig struct {
	Workers     int           `yaml:"workers"`
	BatchSize   int           `yaml:"batch_size"`
	IdleSleep   time.Duration `yaml:"idle_sleep"`
	AutoRestart bool          `yaml:"auto_restart"`
}

// PromotionsConfig configures the promotion daemon.
type PromotionsConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	BatchLimit  int           `yaml:"batch_limit"`
	Concurrency int           `yaml:"concurrency"`
}
