package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all platform configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Device transport
	SessionAddr        string        `env:"FS_SESSION_ADDR" envDefault:":7400"`
	SessionIdleTimeout time.Duration `env:"FS_SESSION_IDLE_TIMEOUT" envDefault:"10s"`
	SessionMaxPending  int           `env:"FS_SESSION_MAX_PENDING_WRITES" envDefault:"256"`
	MaxConnections     int           `env:"FS_MAX_CONNECTIONS" envDefault:"5000"`
	CPUThreshold       float64       `env:"FS_CPU_THRESHOLD" envDefault:"85"`

	// Auth rate limiting (attempts per remote IP before token validation)
	AuthRateBurst int     `env:"FS_AUTH_RATE_BURST" envDefault:"5"`
	AuthRate      float64 `env:"FS_AUTH_RATE_PER_SEC" envDefault:"1"`

	// Pre-filter thresholds
	PrefilterTemperature float64 `env:"FS_PREFILTER_TEMPERATURE_THRESHOLD" envDefault:"0.5"`
	PrefilterHumidity    float64 `env:"FS_PREFILTER_HUMIDITY_THRESHOLD" envDefault:"1.0"`
	PrefilterSmoke       float64 `env:"FS_PREFILTER_SMOKE_THRESHOLD" envDefault:"5.0"`
	PrefilterCO          float64 `env:"FS_PREFILTER_CO_THRESHOLD" envDefault:"5.0"`

	// Partitioned queue
	KafkaBrokers            []string      `env:"FS_KAFKA_BROKERS" envDefault:"localhost:19092"`
	QueuePartitions         int           `env:"FS_QUEUE_PARTITIONS" envDefault:"10"`
	NormalConcurrency       int           `env:"FS_CONSUMER_NORMAL_CONCURRENCY" envDefault:"8"`
	BackpressureConcurrency int           `env:"FS_CONSUMER_BACKPRESSURE_CONCURRENCY" envDefault:"2"`
	PublishMaxAttempts      int           `env:"FS_PUBLISH_MAX_ATTEMPTS" envDefault:"3"`
	PublishBackoff          time.Duration `env:"FS_PUBLISH_BACKOFF" envDefault:"100ms"`

	// Redis (token cache, rule hot path, history backing store, hotspot state)
	RedisAddr     string        `env:"FS_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"FS_REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"FS_REDIS_DB" envDefault:"0"`
	RedisPoolSize int           `env:"FS_REDIS_POOL_SIZE" envDefault:"32"`
	RedisTimeout  time.Duration `env:"FS_REDIS_TIMEOUT" envDefault:"2s"`

	// NATS pub/sub fan-out
	NATSURL string `env:"FS_NATS_URL" envDefault:"nats://localhost:4222"`

	// Rule engine
	RuleUpdateP95      time.Duration `env:"FS_RULE_UPDATE_P95" envDefault:"200ms"`
	RuleResyncInterval time.Duration `env:"FS_RULE_RESYNC_INTERVAL" envDefault:"60s"`
	EvalEpsilon        float64       `env:"FS_EVAL_EPSILON" envDefault:"0"`

	// Deduplication
	DedupWindow  time.Duration `env:"FS_DEDUP_WINDOW" envDefault:"300s"`
	DedupEnabled bool          `env:"FS_DEDUP_ENABLED" envDefault:"true"`

	// Tokens
	AccessTokenTTL  time.Duration `env:"FS_TOKEN_ACCESS_TTL" envDefault:"300s"`
	RefreshTokenTTL time.Duration `env:"FS_TOKEN_REFRESH_TTL" envDefault:"24h"`

	// Suppression
	SuppressionAutoExpire time.Duration `env:"FS_SUPPRESSION_AUTO_EXPIRE" envDefault:"30m"`
	LockWaitTime          time.Duration `env:"FS_LOCK_WAIT_TIME" envDefault:"5s"`
	LockLeaseTime         time.Duration `env:"FS_LOCK_LEASE_TIME" envDefault:"10s"`

	// History
	HistoryRetentionDays int `env:"FS_HISTORY_RETENTION_DAYS" envDefault:"30"`
	HistoryFallbackSize  int `env:"FS_HISTORY_FALLBACK_SIZE" envDefault:"1000"`

	// Telemetry rollups (backpressure consumer)
	TelemetryRetention time.Duration `env:"FS_TELEMETRY_RETENTION" envDefault:"168h"`

	// Distributor resilience
	DistributorMaxAttempts int           `env:"FS_DISTRIBUTOR_MAX_ATTEMPTS" envDefault:"3"`
	DistributorBackoff     time.Duration `env:"FS_DISTRIBUTOR_BACKOFF" envDefault:"50ms"`
	DistributorFailureRate float64       `env:"FS_DISTRIBUTOR_FAILURE_RATE" envDefault:"0.5"`
	DistributorCooldown    time.Duration `env:"FS_DISTRIBUTOR_COOLDOWN" envDefault:"10s"`
	DistributorBulkhead    int           `env:"FS_DISTRIBUTOR_BULKHEAD" envDefault:"16"`
	DistributorTimeout     time.Duration `env:"FS_DISTRIBUTOR_TIMEOUT" envDefault:"2s"`

	// Sync service
	SnapshotInterval     time.Duration `env:"FS_SYNC_SNAPSHOT_INTERVAL" envDefault:"300s"`
	MaxEventsPerSnapshot int           `env:"FS_SYNC_MAX_EVENTS_PER_SNAPSHOT" envDefault:"1000"`
	BroadcastInterval    time.Duration `env:"FS_SYNC_BROADCAST_INTERVAL" envDefault:"60s"`

	// ID allocator. -1 derives the node ID from the primary MAC address.
	NodeID int64 `env:"FS_NODE_ID" envDefault:"-1"`

	// Websocket hub (dashboard surface)
	HubAddr string `env:"FS_HUB_ADDR" envDefault:":7401"`

	// Shutdown
	DrainGrace time.Duration `env:"FS_DRAIN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.SessionAddr == "" {
		return fmt.Errorf("FS_SESSION_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("FS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SessionMaxPending < 1 {
		return fmt.Errorf("FS_SESSION_MAX_PENDING_WRITES must be > 0, got %d", c.SessionMaxPending)
	}
	if c.QueuePartitions < 3 || c.QueuePartitions > 10 {
		return fmt.Errorf("FS_QUEUE_PARTITIONS must be 3-10, got %d", c.QueuePartitions)
	}
	if c.DistributorFailureRate <= 0 || c.DistributorFailureRate > 1 {
		return fmt.Errorf("FS_DISTRIBUTOR_FAILURE_RATE must be in (0,1], got %.2f", c.DistributorFailureRate)
	}
	if c.HistoryRetentionDays < 1 {
		return fmt.Errorf("FS_HISTORY_RETENTION_DAYS must be > 0, got %d", c.HistoryRetentionDays)
	}
	if c.HistoryFallbackSize < 1 {
		return fmt.Errorf("FS_HISTORY_FALLBACK_SIZE must be > 0, got %d", c.HistoryFallbackSize)
	}
	if c.NodeID > 1023 {
		return fmt.Errorf("FS_NODE_ID must fit in 10 bits, got %d", c.NodeID)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// HistoryRetention returns the retention window as a duration.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("session_addr", c.SessionAddr).
		Str("hub_addr", c.HubAddr).
		Strs("kafka_brokers", c.KafkaBrokers).
		Str("redis_addr", c.RedisAddr).
		Str("nats_url", c.NATSURL).
		Int("queue_partitions", c.QueuePartitions).
		Int("max_connections", c.MaxConnections).
		Dur("session_idle_timeout", c.SessionIdleTimeout).
		Dur("dedup_window", c.DedupWindow).
		Int("history_retention_days", c.HistoryRetentionDays).
		Dur("suppression_auto_expire", c.SuppressionAutoExpire).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
