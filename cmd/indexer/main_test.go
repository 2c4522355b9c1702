package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/launch-indexer/internal/chaintest"
	"github.com/84hero/launch-indexer/pkg/config"
	"github.com/84hero/launch-indexer/pkg/storage"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func names(t *testing.T, cfg config.OutputsConfig) []string {
	t.Helper()
	outputs := initOutputs(cfg)
	t.Cleanup(func() {
		for _, o := range outputs {
			o.Close()
		}
	})
	var out []string
	for _, o := range outputs {
		out = append(out, o.Name())
	}
	return out
}

func TestCLI_InitOutputs_Empty(t *testing.T) {
	assert.Empty(t, names(t, config.OutputsConfig{}))
}

func TestCLI_InitOutputs_ConsoleFile(t *testing.T) {
	got := names(t, config.OutputsConfig{
		Console: config.ConsoleOutputConfig{Enabled: true},
		File:    config.FileOutputConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "changes.jsonl")},
	})
	assert.ElementsMatch(t, []string{"console", "file"}, got)
}

func TestCLI_InitOutputs_Webhook(t *testing.T) {
	got := names(t, config.OutputsConfig{
		Webhook: config.WebhookOutputConfig{Enabled: true, URL: "http://localhost", Async: true},
	})
	assert.Equal(t, []string{"webhook"}, got)
}

func TestCLI_InitOutputs_FailedOutputSkipped(t *testing.T) {
	got := names(t, config.OutputsConfig{
		Console:  config.ConsoleOutputConfig{Enabled: true},
		Postgres: config.PostgresOutputConfig{Enabled: true, URL: "postgres://localhost/x", Table: "bad name;"},
		File:     config.FileOutputConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "missing", "changes.jsonl")},
	})
	assert.Equal(t, []string{"console"}, got)
}

func TestCLI_OpenStores_MemoryFallback(t *testing.T) {
	local, remote, err := openStores(config.StorageConfig{Prefix: "t_"})
	require.NoError(t, err)
	defer local.Close()
	assert.IsType(t, &storage.MemoryStore{}, local)
	assert.Nil(t, remote)
}

func TestCLI_BuildRunner(t *testing.T) {
	chain := chaintest.New(8453, 100)
	local := storage.NewMemoryStore("t_")

	cfg := &config.Config{
		Chain:     config.ChainConfig{ID: 8453},
		Contracts: config.ContractsConfig{Launchpad: "0x00000000000000000000000000000000000000F0"},
		Indexer:   config.IndexerConfig{BatchSize: 100, Interval: time.Second, RefreshChunkSize: 5},
	}
	r := buildRunner(chain, cfg, local, nil, nil)
	assert.NotNil(t, r.Launches)
	assert.Nil(t, r.Positions)
	assert.Equal(t, time.Second, r.Interval)

	cfg.Contracts.PositionManager = "0x00000000000000000000000000000000000000F1"
	cfg.Owners = []string{"0x000000000000000000000000000000000000A11C"}
	r = buildRunner(chain, cfg, local, nil, nil)
	assert.NotNil(t, r.Positions)
	require.Len(t, r.Owners, 1)
	assert.Equal(t, common.HexToAddress(cfg.Owners[0]), r.Owners[0])
}

func TestCLI_SetupLogger(t *testing.T) {
	prev := log.Root()
	defer log.SetDefault(prev)

	var buf bytes.Buffer
	setupLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	log.Info("hidden")
	log.Warn("shown", "pass", "p-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"pass":"p-1"`)
}

func TestCLI_Run_MissingConfig(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, Run(context.Background()))
}

func TestCLI_Run_InvalidConfig(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeFile(t, `project: "test"`))
	assert.ErrorIs(t, Run(context.Background()), config.ErrInvalidConfig)
}

func TestCLI_Run_UnreachableNodes(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeFile(t, `
project: "test"
chain: {id: 8453}
rpc_nodes: [{url: "invalid-scheme://", priority: 1}]
contracts: {launchpad: "0x00000000000000000000000000000000000000F0"}
outputs: {console: {enabled: true}}
`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, Run(ctx))
}
