// Package config provides the engine's typed configuration: defaults,
// validation, and loading from YAML bytes plus environment overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the single configuration object for the engine.
type Config struct {
	// DBPath is where the KV store lives.
	DBPath string `koanf:"db_path"`

	// EmbeddingDim is the engine-wide vector dimension; it must match
	// the provider's output.
	EmbeddingDim int `koanf:"embedding_dim"`

	HNSW        HNSWConfig        `koanf:"hnsw"`
	Promotion   PromotionConfig   `koanf:"promotion"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Circuit     CircuitConfig     `koanf:"circuit"`
	Health      HealthConfig      `koanf:"health"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// HNSWConfig tunes every per-layer index.
type HNSWConfig struct {
	M              int `koanf:"m"`
	EfConstruction int `koanf:"ef_construction"`
	EfSearch       int `koanf:"ef_search"`
	MaxLayers      int `koanf:"max_layers"`
	MaxElements    int `koanf:"max_elements"`
}

// PromotionConfig carries the promotion thresholds.
type PromotionConfig struct {
	InsightsAccessThreshold uint64        `koanf:"insights_access_threshold"`
	InsightsAgeThreshold    time.Duration `koanf:"insights_age_threshold"`
	AssetsAccessThreshold   uint64        `koanf:"assets_access_threshold"`
	AssetsAgeThreshold      time.Duration `koanf:"assets_age_threshold"`
	InteractTTL             time.Duration `koanf:"interact_ttl"`
	InsightsTTL             time.Duration `koanf:"insights_ttl"`
	Interval                time.Duration `koanf:"interval"`
}

// CoordinatorConfig tunes the search and embedding coordinators.
type CoordinatorConfig struct {
	MaxConcurrentSearches int           `koanf:"max_concurrent_searches"`
	SearchCacheSize       int           `koanf:"search_cache_size"`
	SearchCacheTTL        time.Duration `koanf:"search_cache_ttl"`
	SearchTimeout         time.Duration `koanf:"search_timeout"`
	Oversample            int           `koanf:"oversample"`
	PreferCold            bool          `koanf:"prefer_cold"`
	EmbedCacheSize        int           `koanf:"embed_cache_size"`
	EmbedMaxConcurrent    int           `koanf:"embed_max_concurrent"`
	EmbedTimeout          time.Duration `koanf:"embed_timeout"`
}

// CircuitConfig is the default breaker tuning.
type CircuitConfig struct {
	FailureThreshold    uint64        `koanf:"failure_threshold"`
	ErrorRateThreshold  float64       `koanf:"error_rate_threshold"`
	MinRequestThreshold uint64        `koanf:"min_request_threshold"`
	RecoveryTimeout     time.Duration `koanf:"recovery_timeout"`
}

// HealthConfig is the health policy.
type HealthConfig struct {
	CheckInterval   time.Duration `koanf:"check_interval"`
	MaxResponseTime time.Duration `koanf:"max_response_time"`
	MaxUnhealthy    time.Duration `koanf:"max_unhealthy"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		DBPath:       "memoryd.db",
		EmbeddingDim: 1024,
		HNSW: HNSWConfig{
			M:              24,
			EfConstruction: 400,
			EfSearch:       100,
			MaxLayers:      16,
			MaxElements:    1_000_000,
		},
		Promotion: PromotionConfig{
			InsightsAccessThreshold: 5,
			InsightsAgeThreshold:    24 * time.Hour,
			AssetsAccessThreshold:   20,
			AssetsAgeThreshold:      7 * 24 * time.Hour,
			InteractTTL:             24 * time.Hour,
			InsightsTTL:             90 * 24 * time.Hour,
			Interval:                5 * time.Minute,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentSearches: 64,
			SearchCacheSize:       512,
			SearchCacheTTL:        30 * time.Second,
			SearchTimeout:         10 * time.Second,
			Oversample:            3,
			EmbedCacheSize:        4096,
			EmbedMaxConcurrent:    8,
			EmbedTimeout:          60 * time.Second,
		},
		Circuit: CircuitConfig{
			FailureThreshold:    5,
			ErrorRateThreshold:  0.5,
			MinRequestThreshold: 10,
			RecoveryTimeout:     30 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:   30 * time.Second,
			MaxResponseTime: 5 * time.Second,
			MaxUnhealthy:    5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.HNSW.M < 2 {
		return fmt.Errorf("hnsw.m must be at least 2, got %d", c.HNSW.M)
	}
	if c.HNSW.MaxElements <= 0 {
		return fmt.Errorf("hnsw.max_elements must be positive, got %d", c.HNSW.MaxElements)
	}
	if c.Circuit.ErrorRateThreshold < 0 || c.Circuit.ErrorRateThreshold > 1 {
		return fmt.Errorf("circuit.error_rate_threshold must be in [0,1], got %f", c.Circuit.ErrorRateThreshold)
	}
	if c.Coordinator.MaxConcurrentSearches <= 0 {
		return fmt.Errorf("coordinator.max_concurrent_searches must be positive, got %d", c.Coordinator.MaxConcurrentSearches)
	}
	if c.Promotion.Interval <= 0 {
		return fmt.Errorf("promotion.interval must be positive, got %s", c.Promotion.Interval)
	}
	return nil
}
