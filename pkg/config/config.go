package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/84hero/launch-indexer/pkg/chain"
	"github.com/84hero/launch-indexer/pkg/rpc"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Project   string           `mapstructure:"project"`
	Log       LogConfig        `mapstructure:"log"`
	Chain     ChainConfig      `mapstructure:"chain"`
	RPC       []rpc.NodeConfig `mapstructure:"rpc_nodes"`
	Indexer   IndexerConfig    `mapstructure:"indexer"`
	Contracts ContractsConfig  `mapstructure:"contracts"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	// Owners are the position holders synced every round.
	Owners  []string      `mapstructure:"owners"`
	Outputs OutputsConfig `mapstructure:"outputs"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type ChainConfig struct {
	// Preset names a built-in chain preset, e.g. base-mainnet.
	Preset string `mapstructure:"preset"`
	ID     uint64 `mapstructure:"id"`
}

type IndexerConfig struct {
	// Startup strategy
	StartBlock   uint64 `mapstructure:"start_block"`   // First block without a cursor, or always once when ForceStart=true
	ForceStart   bool   `mapstructure:"force_start"`   // Whether to override the saved cursor once
	StartRewind  uint64 `mapstructure:"start_rewind"`  // If no saved cursor and no start_block, start from Latest - StartRewind
	CursorRewind uint64 `mapstructure:"cursor_rewind"` // Re-scan this many blocks before the saved cursor

	// Confirmations (ReorgSafeDepth): Protection at the scanning endpoint
	Confirmations uint64 `mapstructure:"confirmations"`

	BatchSize          uint64 `mapstructure:"batch_size"`
	MaxBlockRange      uint64 `mapstructure:"max_block_range"`
	LookbackBlocks     uint64 `mapstructure:"lookback_blocks"`
	RecentWindowBlocks uint64 `mapstructure:"recent_window_blocks"`
	RefreshChunkSize   int    `mapstructure:"refresh_chunk_size"`
	CacheStalenessMs   int64  `mapstructure:"cache_staleness_ms"`

	Interval time.Duration `mapstructure:"interval"`
	UseBloom bool          `mapstructure:"use_bloom"`
}

// CacheStaleness returns cache_staleness_ms as a duration.
func (c IndexerConfig) CacheStaleness() time.Duration {
	return time.Duration(c.CacheStalenessMs) * time.Millisecond
}

type ContractsConfig struct {
	Launchpad       string `mapstructure:"launchpad"`
	PositionManager string `mapstructure:"position_manager"`
}

// StorageConfig selects the stores. Redis is the local cache and Postgres
// the remote store; an empty Redis address falls back to memory and an
// empty Postgres URL disables the remote store.
type StorageConfig struct {
	// Prefix for storage layer (e.g., PG table prefix or Redis Key prefix)
	Prefix   string         `mapstructure:"prefix"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type OutputsConfig struct {
	Webhook  WebhookOutputConfig  `mapstructure:"webhook"`
	File     FileOutputConfig     `mapstructure:"file"`
	Console  ConsoleOutputConfig  `mapstructure:"console"`
	Postgres PostgresOutputConfig `mapstructure:"postgres"`
	Redis    RedisOutputConfig    `mapstructure:"redis"`
	Kafka    KafkaOutputConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQOutputConfig `mapstructure:"rabbitmq"`
}

type WebhookOutputConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	URL        string      `mapstructure:"url"`
	Secret     string      `mapstructure:"secret"`
	Retry      RetryConfig `mapstructure:"retry"`
	Async      bool        `mapstructure:"async"`
	BufferSize int         `mapstructure:"buffer_size"`
	Workers    int         `mapstructure:"workers"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type FileOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type PostgresOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Table   string `mapstructure:"table"`
}

type RedisOutputConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Mode     string `mapstructure:"mode"` // list, pubsub
}

type KafkaOutputConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type RabbitMQOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
	Durable    bool   `mapstructure:"durable"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.applyPreset()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyPreset fills unset chain parameters from the named preset.
func (c *Config) applyPreset() {
	preset, ok := chain.Get(c.Chain.Preset)
	if !ok {
		if preset, ok = chain.ByChainID(c.Chain.ID); !ok {
			return
		}
	}
	if c.Chain.ID == 0 {
		c.Chain.ID = preset.ChainID
	}
	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = preset.BatchSize
	}
	if c.Indexer.Confirmations == 0 {
		c.Indexer.Confirmations = preset.ReorgSafe
	}
	if c.Indexer.MaxBlockRange == 0 {
		c.Indexer.MaxBlockRange = preset.MaxLogRange
	}
	if c.Indexer.Interval == 0 {
		c.Indexer.Interval = preset.BlockTime
	}
}

func (c *Config) applyDefaults() {
	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = 1000
	}
	if c.Indexer.Interval == 0 {
		c.Indexer.Interval = 3 * time.Second
	}
	if c.Indexer.LookbackBlocks == 0 {
		c.Indexer.LookbackBlocks = 100_000
	}
	if c.Indexer.RecentWindowBlocks == 0 {
		c.Indexer.RecentWindowBlocks = 1_000
	}
	if c.Indexer.RefreshChunkSize <= 0 {
		c.Indexer.RefreshChunkSize = 10
	}
	if c.Storage.Prefix == "" && c.Project != "" {
		c.Storage.Prefix = c.Project + "_"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// Validate checks the fields the indexer cannot run without.
func (c *Config) Validate() error {
	if c.Chain.ID == 0 {
		return fmt.Errorf("%w: chain id is required", ErrInvalidConfig)
	}
	if len(c.RPC) == 0 {
		return fmt.Errorf("%w: at least one rpc node is required", ErrInvalidConfig)
	}
	if !common.IsHexAddress(c.Contracts.Launchpad) {
		return fmt.Errorf("%w: launchpad address %q", ErrInvalidConfig, c.Contracts.Launchpad)
	}
	if c.Contracts.PositionManager != "" && !common.IsHexAddress(c.Contracts.PositionManager) {
		return fmt.Errorf("%w: position manager address %q", ErrInvalidConfig, c.Contracts.PositionManager)
	}
	if c.Indexer.RecentWindowBlocks >= c.Indexer.LookbackBlocks {
		return fmt.Errorf("%w: recent_window_blocks %d must be below lookback_blocks %d",
			ErrInvalidConfig, c.Indexer.RecentWindowBlocks, c.Indexer.LookbackBlocks)
	}
	if len(c.Owners) > 0 && c.Contracts.PositionManager == "" {
		return fmt.Errorf("%w: owners require a position manager", ErrInvalidConfig)
	}
	for _, o := range c.Owners {
		if !common.IsHexAddress(o) {
			return fmt.Errorf("%w: owner address %q", ErrInvalidConfig, o)
		}
	}
	return nil
}
