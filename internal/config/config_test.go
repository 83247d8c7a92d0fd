package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary YAML config file with known values.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s
  provider_timeout: 120s
  async_store_timeout: 10s
  disconnect_grace: 2s

engine:
  budget: 500ms
  oversample_factor: 2
  score_floor: 0.1

quota:
  free_allowance_tokens: 50000
  report_unit_tokens: 1000000
  report_interval: 1h

embedding:
  backend: stub
  dimension: 256

index:
  pool_size: 1024
  shards:
    - default

events:
  secret: whsec_test
  skew: 5m
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.ProviderTimeout)
	assert.Equal(t, 2*time.Second, cfg.Server.DisconnectGrace)

	assert.Equal(t, 500*time.Millisecond, cfg.Engine.Budget)
	assert.Equal(t, 2, cfg.Engine.OversampleFactor)
	assert.InDelta(t, 0.1, cfg.Engine.ScoreFloor, 0.0001)

	assert.Equal(t, int64(50000), cfg.Quota.FreeAllowanceTokens)
	assert.Equal(t, int64(1_000_000), cfg.Quota.ReportUnitTokens)
	assert.Equal(t, time.Hour, cfg.Quota.ReportInterval)

	assert.Equal(t, "stub", cfg.Embedding.Backend)
	assert.Equal(t, 256, cfg.Embedding.Dimension)

	assert.Equal(t, 1024, cfg.Index.PoolSize)
	assert.Equal(t, []string{"default"}, cfg.Index.Shards)

	assert.Equal(t, "whsec_test", cfg.Events.Secret)
	assert.Equal(t, 5*time.Minute, cfg.Events.Skew)
}

func TestLoadEnvOverride(t *testing.T) {
	// Verify that MEMORYROUTER_ env vars override YAML values.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// This should override server.port from 8080 to 3000.
	t.Setenv("MEMORYROUTER_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}
