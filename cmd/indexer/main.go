package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/launch-indexer/internal/webhook"
	"github.com/84hero/launch-indexer/pkg/config"
	"github.com/84hero/launch-indexer/pkg/contract"
	"github.com/84hero/launch-indexer/pkg/decoder"
	"github.com/84hero/launch-indexer/pkg/indexer"
	"github.com/84hero/launch-indexer/pkg/metrics"
	"github.com/84hero/launch-indexer/pkg/recovery"
	"github.com/84hero/launch-indexer/pkg/rpc"
	"github.com/84hero/launch-indexer/pkg/sink"
	"github.com/84hero/launch-indexer/pkg/storage"
)

func main() {
	if err := Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		log.Crit("Application failed", "err", err)
		os.Exit(1)
	}
}

// Run is the testable entry point of the indexer binary
func Run(ctx context.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogger(os.Stderr, cfg.Log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := rpc.NewClient(runCtx, cfg.RPC)
	if err != nil {
		return err
	}
	defer client.Close()

	if id, err := client.ChainID(runCtx); err != nil {
		log.Warn("Could not confirm chain id", "err", err)
	} else if id.Uint64() != cfg.Chain.ID {
		return fmt.Errorf("rpc nodes serve chain %s, configured %d", id, cfg.Chain.ID)
	}

	local, remote, err := openStores(cfg.Storage)
	if err != nil {
		return err
	}
	defer local.Close()
	if remote != nil {
		defer remote.Close()
	}

	outputs := initOutputs(cfg.Outputs)
	defer func() {
		for _, o := range outputs {
			o.Close()
		}
	}()

	runner := buildRunner(client, cfg, local, remote, outputs)

	if cfg.Metrics.Enabled {
		srv := startMetrics(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Run(runCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down...")
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}

	cancel()
	return nil
}

func setupLogger(w io.Writer, cfg config.LogConfig) {
	level := log.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = log.LevelDebug
	case "warn":
		level = log.LevelWarn
	case "error":
		level = log.LevelError
	}
	if cfg.Format == "json" {
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(w, level)))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(w, level, true)))
}

// openStores returns the local cache and the remote store. Without a Redis
// address the local cache lives in memory; without a Postgres URL there is
// no remote store.
func openStores(cfg config.StorageConfig) (storage.Store, storage.Store, error) {
	var local storage.Store = storage.NewMemoryStore(cfg.Prefix)
	if cfg.Redis.Addr != "" {
		rs, err := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open local store: %w", err)
		}
		local = rs
	}
	if cfg.Postgres.URL == "" {
		log.Warn("No remote store configured, running with local durability only")
		return local, nil, nil
	}
	ps, err := storage.NewPostgresStore(cfg.Postgres.URL, cfg.Prefix)
	if err != nil {
		local.Close()
		return nil, nil, fmt.Errorf("open remote store: %w", err)
	}
	return local, ps, nil
}

func buildRunner(client rpc.Client, cfg *config.Config, local, remote storage.Store, outputs []sink.Output) *indexer.Runner {
	ic := cfg.Indexer
	launchpad := common.HexToAddress(cfg.Contracts.Launchpad)
	manager := common.HexToAddress(cfg.Contracts.PositionManager)
	positions := contract.NewPositionManager(manager, client)
	hydrator := decoder.NewHydrator(
		contract.NewLaunchpad(launchpad, client),
		contract.NewTokens(client),
		positions,
		cfg.Chain.ID,
		ic.RefreshChunkSize,
	)

	runner := &indexer.Runner{
		Launches: indexer.NewLaunchIndexer(client, launchpad, hydrator, local, remote, indexer.Config{
			ChainID:        cfg.Chain.ID,
			StartBlock:     ic.StartBlock,
			ForceStart:     ic.ForceStart,
			StartRewind:    ic.StartRewind,
			CursorRewind:   ic.CursorRewind,
			Confirmations:  ic.Confirmations,
			BatchSize:      ic.BatchSize,
			MaxRange:       ic.MaxBlockRange,
			UseBloom:       ic.UseBloom,
			CacheStaleness: ic.CacheStaleness(),
		}),
		Outputs:  outputs,
		Interval: ic.Interval,
	}

	if cfg.Contracts.PositionManager != "" {
		rec := recovery.New(client, positions, local, remote, recovery.Config{
			ChainID:            cfg.Chain.ID,
			LookbackBlocks:     ic.LookbackBlocks,
			RecentWindowBlocks: ic.RecentWindowBlocks,
			BatchSize:          ic.BatchSize,
			Concurrency:        ic.RefreshChunkSize,
			MaxRange:           ic.MaxBlockRange,
			UseBloom:           ic.UseBloom,
		})
		runner.Positions = indexer.NewPositionIndexer(cfg.Chain.ID, rec, hydrator, local, remote)
		for _, o := range cfg.Owners {
			runner.Owners = append(runner.Owners, common.HexToAddress(o))
		}
	}
	return runner
}

func initOutputs(cfg config.OutputsConfig) []sink.Output {
	var outputs []sink.Output

	// Webhook
	if wh := cfg.Webhook; wh.Enabled {
		outputs = append(outputs, sink.NewWebhookOutput(webhook.Config{
			URL:            wh.URL,
			Secret:         wh.Secret,
			MaxAttempts:    wh.Retry.MaxAttempts,
			InitialBackoff: wh.Retry.InitialBackoff,
			MaxBackoff:     wh.Retry.MaxBackoff,
		}, wh.Async, wh.BufferSize, wh.Workers))
	}

	// File
	if cfg.File.Enabled {
		add(&outputs, "file")(sink.NewFileOutput(cfg.File.Path))
	}

	// Console
	if cfg.Console.Enabled {
		outputs = append(outputs, sink.NewConsoleOutput())
	}

	// Postgres
	if pg := cfg.Postgres; pg.Enabled {
		add(&outputs, "postgres")(sink.NewPostgresOutput(pg.URL, pg.Table))
	}

	// Redis
	if r := cfg.Redis; r.Enabled {
		add(&outputs, "redis")(sink.NewRedisOutput(r.Addr, r.Password, r.DB, r.Key, r.Mode))
	}

	// Kafka
	if k := cfg.Kafka; k.Enabled {
		add(&outputs, "kafka")(sink.NewKafkaOutput(k.Brokers, k.Topic, k.User, k.Password))
	}

	// RabbitMQ
	if mq := cfg.RabbitMQ; mq.Enabled {
		add(&outputs, "rabbitmq")(sink.NewRabbitMQOutput(mq.URL, mq.Exchange, mq.RoutingKey, mq.QueueName, mq.Durable))
	}

	return outputs
}

// add appends an output that opened, and logs one that did not.
func add(outputs *[]sink.Output, name string) func(sink.Output, error) {
	return func(o sink.Output, err error) {
		if err != nil {
			log.Error("Output disabled", "output", name, "err", err)
			return
		}
		*outputs = append(*outputs, o)
	}
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "addr", addr, "err", err)
		}
	}()
	log.Info("Metrics listening", "addr", addr)
	return srv
}
