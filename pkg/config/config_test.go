package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/launch-indexer/pkg/rpc"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "config_*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })
	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoad(t *testing.T) {
	// 1. Normal load test
	path := writeConfig(t, `
project: "test-proj"
chain:
  id: 8453
rpc_nodes:
  - url: "http://localhost:8545"
    priority: 1
    rate_limit: 25
    max_concurrent: 4
indexer:
  batch_size: 500
  interval: "1s"
  cursor_rewind: 12
  cache_staleness_ms: 1500
contracts:
  launchpad: "0x00000000000000000000000000000000000000F0"
owners:
  - "0x000000000000000000000000000000000000A11C"
outputs:
  console:
    enabled: true
  webhook:
    enabled: true
    url: "http://localhost"
    async: true
    retry:
      max_attempts: 3
      initial_backoff: "500ms"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-proj", cfg.Project)
	assert.Equal(t, uint64(500), cfg.Indexer.BatchSize)
	assert.Equal(t, 1*time.Second, cfg.Indexer.Interval)
	assert.Equal(t, uint64(12), cfg.Indexer.CursorRewind)
	assert.Equal(t, 1500*time.Millisecond, cfg.Indexer.CacheStaleness())
	require.Len(t, cfg.RPC, 1)
	assert.Equal(t, 25.0, cfg.RPC[0].RateLimit)
	assert.Equal(t, 4, cfg.RPC[0].MaxConcurrent)
	assert.True(t, cfg.Outputs.Console.Enabled)
	assert.True(t, cfg.Outputs.Webhook.Async)
	assert.Equal(t, 500*time.Millisecond, cfg.Outputs.Webhook.Retry.InitialBackoff)
	// preset found by chain id
	assert.Equal(t, uint64(10_000), cfg.Indexer.MaxBlockRange)
	assert.Equal(t, uint64(10), cfg.Indexer.Confirmations)
	assert.Equal(t, "test-proj_", cfg.Storage.Prefix)

	// position owners without a position manager
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.Contracts.PositionManager = "0x00000000000000000000000000000000000000F1"
	assert.NoError(t, cfg.Validate())

	// 2. File not found test
	_, err = Load("non_existent_file.yaml")
	assert.Error(t, err)

	// 3. Invalid format test
	_, err = Load(writeConfig(t, "invalid_yaml: [ unclosed bracket"))
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	// Test default values: when batch_size and interval are not specified
	cfg, err := Load(writeConfig(t, `
project: "defaults"
`))
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), cfg.Indexer.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Indexer.Interval)
	assert.Equal(t, uint64(100_000), cfg.Indexer.LookbackBlocks)
	assert.Equal(t, uint64(1_000), cfg.Indexer.RecentWindowBlocks)
	assert.Equal(t, 10, cfg.Indexer.RefreshChunkSize)
	assert.Zero(t, cfg.Indexer.CacheStaleness())
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoad_Preset(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
chain:
  preset: "polygon-mainnet"
indexer:
  confirmations: 64
`))
	require.NoError(t, err)
	assert.Equal(t, uint64(137), cfg.Chain.ID)
	assert.Equal(t, uint64(2000), cfg.Indexer.BatchSize)
	assert.Equal(t, uint64(3_500), cfg.Indexer.MaxBlockRange)
	assert.Equal(t, 2*time.Second, cfg.Indexer.Interval)
	// explicit values win over the preset
	assert.Equal(t, uint64(64), cfg.Indexer.Confirmations)
}

func TestLoad_EnvVars(t *testing.T) {
	// Create a config containing target keys (values can be empty or default for Viper to override)
	path := writeConfig(t, `
project: "default"
indexer:
  batch_size: 10
`)

	t.Setenv("INDEXER_PROJECT", "env-project")
	t.Setenv("INDEXER_INDEXER_BATCH_SIZE", "999")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Verify environment variable overrides
	assert.Equal(t, "env-project", cfg.Project)
	assert.Equal(t, uint64(999), cfg.Indexer.BatchSize)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Chain:     ChainConfig{ID: 1},
			RPC:       []rpc.NodeConfig{{URL: "http://localhost:8545"}},
			Contracts: ContractsConfig{Launchpad: "0x00000000000000000000000000000000000000F0"},
			Indexer:   IndexerConfig{LookbackBlocks: 100_000, RecentWindowBlocks: 1_000},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"no chain", func(c *Config) { c.Chain.ID = 0 }, false},
		{"no nodes", func(c *Config) { c.RPC = nil }, false},
		{"bad launchpad", func(c *Config) { c.Contracts.Launchpad = "0x12" }, false},
		{"bad manager", func(c *Config) { c.Contracts.PositionManager = "nope" }, false},
		{"recent window equals lookback", func(c *Config) { c.Indexer.RecentWindowBlocks = 100_000 }, false},
		{"recent window above lookback", func(c *Config) { c.Indexer.LookbackBlocks = 500 }, false},
		{"bad owner", func(c *Config) {
			c.Contracts.PositionManager = "0x00000000000000000000000000000000000000F1"
			c.Owners = []string{"alice"}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
			}
		})
	}
}
