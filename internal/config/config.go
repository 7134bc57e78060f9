package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pixlake/changestream/internal/cdc"
)

type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Node       NodeConfig       `mapstructure:"node"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Log        LogConfig        `mapstructure:"log"`
}

const (
	SourceMongo    = "mongo"
	SourcePostgres = "postgres"
	SourceDebezium = "debezium"

	BackendRedis = "redis"
	BackendBolt  = "bolt"
	BackendRaft  = "raft"
)

type SourceConfig struct {
	Kind        string            `mapstructure:"kind"`
	Collections []string          `mapstructure:"collections"`
	Aliases     map[string]string `mapstructure:"aliases"`
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Postgres    DatabaseConfig    `mapstructure:"postgres"`
	Debezium    DebeziumConfig    `mapstructure:"debezium"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SlotName        string `mapstructure:"slot_name"`
	PublicationName string `mapstructure:"publication_name"`
}

// DebeziumConfig reads one partition per collection topic. Topics must have
// a single partition, which Subscribe verifies, because offsets of one
// partition are the resume cursor.
type DebeziumConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Partition   int      `mapstructure:"partition"`
}

type ClickHouseConfig struct {
	URL      string        `mapstructure:"url"`
	Database string        `mapstructure:"database"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Table    string        `mapstructure:"table"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type CheckpointConfig struct {
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
	BoltPath string `mapstructure:"bolt_path"`
}

type PipelineConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout"`
	InsertRetries    int           `mapstructure:"insert_retries"`
	InsertRetryDelay time.Duration `mapstructure:"insert_retry_delay"`
}

type SupervisorConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

type NodeConfig struct {
	ID        string            `mapstructure:"id"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.kind", SourceMongo)
	v.SetDefault("source.collections", []string{"transactions"})
	v.SetDefault("source.postgres.port", 5432)
	v.SetDefault("source.postgres.slot_name", "changestream_slot")
	v.SetDefault("source.postgres.publication_name", "changestream_pub")

	v.SetDefault("clickhouse.url", "http://localhost:8123")
	v.SetDefault("clickhouse.table", "transactions")
	v.SetDefault("clickhouse.timeout", 30*time.Second)

	v.SetDefault("checkpoint.backend", BackendRedis)
	v.SetDefault("checkpoint.redis_url", "redis://localhost:6379/0")

	v.SetDefault("pipeline.batch_size", 1000)
	v.SetDefault("pipeline.flush_timeout", 2*time.Second)
	v.SetDefault("pipeline.insert_retries", 3)
	v.SetDefault("pipeline.insert_retry_delay", time.Second)

	v.SetDefault("supervisor.max_retries", 5)
	v.SetDefault("supervisor.base_delay", 5*time.Second)

	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CHANGESTREAM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if len(c.Source.Collections) == 0 {
		return fmt.Errorf("source.collections is required")
	}
	seen := make(map[string]bool, len(c.Source.Collections))
	for _, name := range c.Source.Collections {
		if name == "" {
			return fmt.Errorf("source.collections contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("source.collections contains %q twice", name)
		}
		seen[name] = true
	}

	switch c.Source.Kind {
	case SourceMongo:
		if c.Source.Mongo.URI == "" {
			return fmt.Errorf("source.mongo.uri is required")
		}
		if c.Source.Mongo.Database == "" {
			return fmt.Errorf("source.mongo.database is required")
		}
	case SourcePostgres:
		if c.Source.Postgres.Host == "" {
			return fmt.Errorf("source.postgres.host is required")
		}
		if c.Source.Postgres.Database == "" {
			return fmt.Errorf("source.postgres.database is required")
		}
		if c.Source.Postgres.User == "" {
			return fmt.Errorf("source.postgres.user is required")
		}
		if err := c.validateSlots(); err != nil {
			return err
		}
	case SourceDebezium:
		if len(c.Source.Debezium.Brokers) == 0 {
			return fmt.Errorf("source.debezium.brokers is required")
		}
		if c.Source.Debezium.TopicPrefix == "" {
			return fmt.Errorf("source.debezium.topic_prefix is required")
		}
	default:
		return fmt.Errorf("invalid source.kind: %q (valid options: mongo, postgres, debezium)", c.Source.Kind)
	}

	if c.ClickHouse.Table == "" {
		return fmt.Errorf("clickhouse.table is required")
	}

	switch c.Checkpoint.Backend {
	case BackendRedis:
		if c.Checkpoint.RedisURL == "" {
			return fmt.Errorf("checkpoint.redis_url is required")
		}
	case BackendBolt:
		if c.Checkpoint.BoltPath == "" {
			return fmt.Errorf("checkpoint.bolt_path is required")
		}
	case BackendRaft:
		if c.Node.ID == "" {
			return fmt.Errorf("node.id is required")
		}
		if c.Node.BindAddr == "" {
			return fmt.Errorf("node.bind_addr is required")
		}
		if c.Node.DataDir == "" {
			return fmt.Errorf("node.data_dir is required")
		}
	default:
		return fmt.Errorf("invalid checkpoint.backend: %q (valid options: redis, bolt, raft)", c.Checkpoint.Backend)
	}

	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if c.Pipeline.FlushTimeout <= 0 {
		return fmt.Errorf("pipeline.flush_timeout must be positive")
	}
	if c.Pipeline.InsertRetries < 0 {
		return fmt.Errorf("pipeline.insert_retries must not be negative")
	}
	if c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries must not be negative")
	}
	if c.Supervisor.BaseDelay <= 0 {
		return fmt.Errorf("supervisor.base_delay must be positive")
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	return nil
}

// validateSlots checks the per-collection replication slots derived from
// source.postgres.slot_name.
func (c *Config) validateSlots() error {
	if c.Source.Postgres.SlotName == "" {
		return fmt.Errorf("source.postgres.slot_name is required")
	}
	owners := make(map[string]string, len(c.Source.Collections))
	for _, collection := range c.Source.Collections {
		slot := cdc.SlotName(c.Source.Postgres.SlotName, collection)
		if len(slot) > cdc.MaxSlotNameLength {
			return fmt.Errorf("replication slot %q for %q is longer than %d characters", slot, collection, cdc.MaxSlotNameLength)
		}
		if other, ok := owners[slot]; ok {
			return fmt.Errorf("collections %q and %q map to the same replication slot %q", other, collection, slot)
		}
		owners[slot] = collection
	}
	return nil
}

// Replicated reports whether checkpoints go through the raft cluster.
func (c *Config) Replicated() bool {
	return c.Checkpoint.Backend == BackendRaft
}

// TableFor returns the destination table of collection. A "{collection}"
// placeholder in clickhouse.table is replaced with the collection name.
func (c *Config) TableFor(collection string) string {
	return strings.ReplaceAll(c.ClickHouse.Table, "{collection}", collection)
}
