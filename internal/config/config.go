// Package config provides configuration loading and validation for sweepd.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dray-io/sweepd/internal/backup"
	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/metadata/keys"
)

const (
	// EnvConfigPath names the config file when no path is given.
	EnvConfigPath = "SWEEPD_CONFIG"

	// DefaultConfigFile is read from the working directory when present.
	DefaultConfigFile = "sweepd.yaml"
)

// Backend names.
const (
	BackendOxia   = "oxia"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Queue writer kinds.
const (
	QueueNone   = "none"
	QueueMemory = "memory"
	QueueKafka  = "kafka"
)

// Config holds all configuration for a sweepd process.
type Config struct {
	Sweep         SweepConfig         `yaml:"sweep"`
	Lease         LeaseConfig         `yaml:"lease"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	KVS           KVSConfig           `yaml:"kvs"`
	Queue         QueueConfig         `yaml:"queue"`
	Backup        BackupConfig        `yaml:"backup"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type SweepConfig struct {
	Enabled         bool     `yaml:"enabled" env:"SWEEPD_SWEEP_ENABLED"`
	RowsPerBatch    int      `yaml:"rowsPerBatch" env:"SWEEPD_ROWS_PER_BATCH"`
	DeleteBatchSize int      `yaml:"deleteBatchSize" env:"SWEEPD_DELETE_BATCH_SIZE"`
	DisabledTables  []string `yaml:"disabledTables" env:"SWEEPD_DISABLED_TABLES"`

	// ShardCount and ShardIndex split tables across instances.
	ShardCount int `yaml:"shardCount" env:"SWEEPD_SHARD_COUNT"`
	ShardIndex int `yaml:"shardIndex" env:"SWEEPD_SHARD_INDEX"`

	// TimestampLagMs is how far behind wall-clock time the sweep
	// timestamp trails.
	TimestampLagMs int64 `yaml:"timestampLagMs" env:"SWEEPD_TIMESTAMP_LAG_MS"`

	IntervalMs       int64 `yaml:"intervalMs" env:"SWEEPD_INTERVAL_MS"`
	PauseOnNoWorkMs  int64 `yaml:"pauseOnNoWorkMs" env:"SWEEPD_PAUSE_ON_NO_WORK_MS"`
	InitialBackoffMs int64 `yaml:"initialBackoffMs" env:"SWEEPD_INITIAL_BACKOFF_MS"`
	MaxBackoffMs     int64 `yaml:"maxBackoffMs" env:"SWEEPD_MAX_BACKOFF_MS"`

	StarvationWeight   float64 `yaml:"starvationWeight" env:"SWEEPD_STARVATION_WEIGHT"`
	StarvationWindowMs int64   `yaml:"starvationWindowMs" env:"SWEEPD_STARVATION_WINDOW_MS"`

	InitRetryIntervalMs int64 `yaml:"initRetryIntervalMs" env:"SWEEPD_INIT_RETRY_INTERVAL_MS"`
}

type LeaseConfig struct {
	Enabled   bool  `yaml:"enabled" env:"SWEEPD_LEASE_ENABLED"`
	TimeoutMs int64 `yaml:"timeoutMs" env:"SWEEPD_LEASE_TIMEOUT_MS"`
}

type MetadataConfig struct {
	Backend          string `yaml:"backend" env:"SWEEPD_METADATA_BACKEND"`
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"SWEEPD_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"SWEEPD_OXIA_NAMESPACE"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" env:"SWEEPD_OXIA_REQUEST_TIMEOUT_MS"`
	SessionTimeoutMs int64  `yaml:"sessionTimeoutMs" env:"SWEEPD_SESSION_TIMEOUT_MS"`
	BadgerDir        string `yaml:"badgerDir" env:"SWEEPD_METADATA_DIR"`
}

type KVSConfig struct {
	Backend           string `yaml:"backend" env:"SWEEPD_KVS_BACKEND"`
	Dir               string `yaml:"dir" env:"SWEEPD_KVS_DIR"`
	CompactionWorkers int    `yaml:"compactionWorkers" env:"SWEEPD_KVS_COMPACTION_WORKERS"`
}

type QueueConfig struct {
	Kind     string `yaml:"kind" env:"SWEEPD_QUEUE_KIND"`
	Capacity int    `yaml:"capacity" env:"SWEEPD_QUEUE_CAPACITY"`

	// RecordStats feeds write counts into the priority records.
	RecordStats          bool  `yaml:"recordStats" env:"SWEEPD_QUEUE_RECORD_STATS"`
	StatsFlushThreshold  int64 `yaml:"statsFlushThreshold" env:"SWEEPD_STATS_FLUSH_THRESHOLD"`
	StatsFlushIntervalMs int64 `yaml:"statsFlushIntervalMs" env:"SWEEPD_STATS_FLUSH_INTERVAL_MS"`

	KafkaBrokers           []string `yaml:"kafkaBrokers" env:"SWEEPD_KAFKA_BROKERS"`
	KafkaTopic             string   `yaml:"kafkaTopic" env:"SWEEPD_KAFKA_TOPIC"`
	KafkaPartitions        int32    `yaml:"kafkaPartitions" env:"SWEEPD_KAFKA_PARTITIONS"`
	KafkaReplicationFactor int16    `yaml:"kafkaReplicationFactor" env:"SWEEPD_KAFKA_REPLICATION_FACTOR"`
	KafkaConsumerGroup     string   `yaml:"kafkaConsumerGroup" env:"SWEEPD_KAFKA_CONSUMER_GROUP"`
}

type BackupConfig struct {
	Enabled      bool   `yaml:"enabled" env:"SWEEPD_BACKUP_ENABLED"`
	Endpoint     string `yaml:"endpoint" env:"SWEEPD_S3_ENDPOINT"`
	Bucket       string `yaml:"bucket" env:"SWEEPD_S3_BUCKET"`
	Region       string `yaml:"region" env:"SWEEPD_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"SWEEPD_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"SWEEPD_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"SWEEPD_S3_PATH_STYLE"`
	Codec        string `yaml:"codec" env:"SWEEPD_BACKUP_CODEC"`
	Retain       int    `yaml:"retain" env:"SWEEPD_BACKUP_RETAIN"`

	// IntervalMs schedules periodic snapshots from the sweeper. 0 disables
	// them.
	IntervalMs int64 `yaml:"intervalMs" env:"SWEEPD_BACKUP_INTERVAL_MS"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"SWEEPD_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"SWEEPD_HEALTH_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"SWEEPD_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"SWEEPD_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Sweep: SweepConfig{
			Enabled:             true,
			RowsPerBatch:        100,
			DeleteBatchSize:     1000,
			TimestampLagMs:      3600000, // 1 hour
			IntervalMs:          1000,
			PauseOnNoWorkMs:     300000, // 5 minutes
			InitialBackoffMs:    1000,
			MaxBackoffMs:        300000,
			StarvationWeight:    1000,
			StarvationWindowMs:  86400000, // 24 hours
			InitRetryIntervalMs: 10000,
		},
		Lease: LeaseConfig{
			Enabled:   true,
			TimeoutMs: 20000,
		},
		Metadata: MetadataConfig{
			Backend:          BackendOxia,
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "sweepd",
			RequestTimeoutMs: 30000,
			SessionTimeoutMs: 15000,
		},
		KVS: KVSConfig{
			Backend:           BackendBadger,
			Dir:               "data/kvs",
			CompactionWorkers: 1,
		},
		Queue: QueueConfig{
			Kind:                 QueueNone,
			Capacity:             10000,
			RecordStats:          true,
			StatsFlushThreshold:  1000,
			StatsFlushIntervalMs: 10000,
			KafkaTopic:           "sweepd-writes",
			KafkaPartitions:      1,
			KafkaConsumerGroup:   "sweepd",
		},
		Backup: BackupConfig{
			Region: "us-east-1",
			Codec:  string(backup.DefaultCodec),
			Retain: 24,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the file named by SWEEPD_CONFIG, or ./sweepd.yaml when it
// exists, and applies environment overrides. Without a file the defaults
// are used.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	return load(path)
}

// LoadFromPath reads the given file and applies environment overrides.
func LoadFromPath(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is required")
	}
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	if err := bindEnv(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Default()
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.ErrorUnused = true
	})
	if err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv binds every field's env tag to its yaml key path.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("yaml")
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct {
			if err := bindEnv(v, f.Type, key); err != nil {
				return err
			}
			continue
		}
		if env := f.Tag.Get("env"); env != "" {
			if err := v.BindEnv(key, env); err != nil {
				return fmt.Errorf("config: bind %s: %w", env, err)
			}
		}
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Sweep.RowsPerBatch <= 0 {
		errs = append(errs, errors.New("sweep.rowsPerBatch must be positive"))
	}
	if c.Sweep.DeleteBatchSize <= 0 {
		errs = append(errs, errors.New("sweep.deleteBatchSize must be positive"))
	}
	if c.Sweep.TimestampLagMs < 0 {
		errs = append(errs, errors.New("sweep.timestampLagMs must not be negative"))
	}
	if c.Sweep.ShardCount > 1 && (c.Sweep.ShardIndex < 0 || c.Sweep.ShardIndex >= c.Sweep.ShardCount) {
		errs = append(errs, fmt.Errorf("sweep.shardIndex %d out of range [0, %d)", c.Sweep.ShardIndex, c.Sweep.ShardCount))
	}
	for _, name := range c.Sweep.DisabledTables {
		if err := kvs.ParseTableRef(name).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sweep.disabledTables %q: %w", name, err))
		}
	}
	if c.Lease.Enabled && c.Lease.TimeoutMs <= 0 {
		errs = append(errs, errors.New("lease.timeoutMs must be positive"))
	}

	switch c.Metadata.Backend {
	case BackendOxia:
		if c.Metadata.OxiaEndpoint == "" || c.Metadata.Namespace == "" {
			errs = append(errs, errors.New("metadata: oxiaEndpoint and namespace are required for the oxia backend"))
		}
		// Oxia rejects shorter sessions.
		if c.Metadata.SessionTimeoutMs > 0 && c.Metadata.SessionTimeoutMs < 5000 {
			errs = append(errs, errors.New("metadata.sessionTimeoutMs must be at least 5000"))
		}
	case BackendBadger:
		if c.Metadata.BadgerDir == "" {
			errs = append(errs, errors.New("metadata.badgerDir is required for the badger backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("metadata.backend %q is not one of oxia, badger, memory", c.Metadata.Backend))
	}

	switch c.KVS.Backend {
	case BackendBadger:
		if c.KVS.Dir == "" {
			errs = append(errs, errors.New("kvs.dir is required for the badger backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("kvs.backend %q is not one of badger, memory", c.KVS.Backend))
	}

	switch c.Queue.Kind {
	case QueueNone, "":
	case QueueMemory:
		if c.Queue.Capacity <= 0 {
			errs = append(errs, errors.New("queue.capacity must be positive"))
		}
	case QueueKafka:
		if len(c.Queue.KafkaBrokers) == 0 || c.Queue.KafkaTopic == "" {
			errs = append(errs, errors.New("queue: kafkaBrokers and kafkaTopic are required for the kafka queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.kind %q is not one of none, memory, kafka", c.Queue.Kind))
	}

	if c.Backup.Enabled {
		if c.Backup.Bucket == "" {
			errs = append(errs, errors.New("backup.bucket is required when backups are enabled"))
		}
		if _, err := backup.ParseCodec(c.Backup.Codec); err != nil {
			errs = append(errs, fmt.Errorf("backup.codec: %w", err))
		}
		if c.Backup.Retain < 0 {
			errs = append(errs, errors.New("backup.retain must not be negative"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Logger builds the logger described by the observability section.
func (c *Config) Logger() *logging.Logger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(c.Observability.LogLevel),
		Format: logging.ParseFormat(c.Observability.LogFormat),
	})
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// LeaseTimeout returns the lease timeout.
func (c *Config) LeaseTimeout() time.Duration { return ms(c.Lease.TimeoutMs) }

// LeaseKey is the lease of this instance's shard. Each shard has its own
// lease so every shard can have an active sweeper.
func (c *Config) LeaseKey() string {
	return keys.ShardLeaseKeyPath(c.Sweep.ShardIndex, c.Sweep.ShardCount)
}

// TimestampLag returns the sweep timestamp lag.
func (c *Config) TimestampLag() time.Duration { return ms(c.Sweep.TimestampLagMs) }

// InitRetryInterval returns the backend initialization retry interval.
func (c *Config) InitRetryInterval() time.Duration { return ms(c.Sweep.InitRetryIntervalMs) }

// StarvationWindow returns the selector starvation window.
func (c *Config) StarvationWindow() time.Duration { return ms(c.Sweep.StarvationWindowMs) }

// BackupInterval returns the periodic backup interval, 0 when disabled.
func (c *Config) BackupInterval() time.Duration { return ms(c.Backup.IntervalMs) }

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Sweep.DisabledTables = append([]string(nil), c.Sweep.DisabledTables...)
	out.Queue.KafkaBrokers = append([]string(nil), c.Queue.KafkaBrokers...)
	if out.Backup.AccessKey != "" {
		out.Backup.AccessKey = redacted
	}
	if out.Backup.SecretKey != "" {
		out.Backup.SecretKey = redacted
	}
	return &out
}

const redacted = "<redacted>"

// YAML renders the configuration in the file format Load reads.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
