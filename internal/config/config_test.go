package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/config"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1024, cfg.EmbeddingDim)
	assert.Equal(t, 24, cfg.HNSW.M)
	assert.Equal(t, 64, cfg.Coordinator.MaxConcurrentSearches)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty db path", func(c *config.Config) { c.DBPath = "" }},
		{"zero dimension", func(c *config.Config) { c.EmbeddingDim = 0 }},
		{"tiny M", func(c *config.Config) { c.HNSW.M = 1 }},
		{"zero capacity", func(c *config.Config) { c.HNSW.MaxElements = 0 }},
		{"bad error rate", func(c *config.Config) { c.Circuit.ErrorRateThreshold = 1.5 }},
		{"zero searches", func(c *config.Config) { c.Coordinator.MaxConcurrentSearches = 0 }},
		{"zero interval", func(c *config.Config) { c.Promotion.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	yamlBytes := []byte(`
embedding_dim: 256
hnsw:
  ef_search: 200
promotion:
  interval: 1m
`)
	cfg, err := config.Load(yamlBytes, "")
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.EmbeddingDim)
	assert.Equal(t, 200, cfg.HNSW.EfSearch)
	assert.Equal(t, time.Minute, cfg.Promotion.Interval)
	// Untouched fields keep their defaults.
	assert.Equal(t, 24, cfg.HNSW.M)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	t.Setenv("MEMORYD_HNSW_EF_SEARCH", "300")
	t.Setenv("MEMORYD_EMBEDDING_DIM", "128")

	yamlBytes := []byte("hnsw:\n  ef_search: 200\n")
	cfg, err := config.Load(yamlBytes, "MEMORYD")
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.HNSW.EfSearch)
	assert.Equal(t, 128, cfg.EmbeddingDim)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := config.Load([]byte("embedding_dim: [not a number"), "")
	assert.Error(t, err)
}

func TestLoadInvalidResult(t *testing.T) {
	_, err := config.Load([]byte("embedding_dim: -5\n"), "")
	assert.Error(t, err)
}
