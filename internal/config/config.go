// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Chrome  ChromeConfig  `mapstructure:"chrome"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Dedup   DedupConfig   `mapstructure:"dedup"`
	Batch   BatchConfig   `mapstructure:"batch"`
	RPC     RPCConfig     `mapstructure:"rpc"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PoolConfig sizes the renderer session pool.
type PoolConfig struct {
	MinIdle             int `mapstructure:"min_idle"`
	MaxSessions         int `mapstructure:"max_sessions"`
	AcquireTimeoutMs    int `mapstructure:"acquire_timeout_ms"`
	IdleTimeoutSeconds  int `mapstructure:"idle_timeout_seconds"`
	LeaseTimeoutSeconds int `mapstructure:"lease_timeout_seconds"`
}

// ChromeConfig configures the headless browser backing the pool.
type ChromeConfig struct {
	ExecPath          string `mapstructure:"exec_path"`
	NoSandbox         bool   `mapstructure:"no_sandbox"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// LimitsConfig bounds individual generation requests.
type LimitsConfig struct {
	MaxHTMLBytes             int64 `mapstructure:"max_html_bytes"`
	MaxBodyBytes             int64 `mapstructure:"max_body_bytes"`
	GenerationTimeoutSeconds int   `mapstructure:"generation_timeout_seconds"`
	ArtifactTTLHours         int   `mapstructure:"artifact_ttl_hours"`
}

// QuotaConfig tunes admission control.
type QuotaConfig struct {
	StalenessSeconds int  `mapstructure:"staleness_seconds"`
	BillDedupHits    bool `mapstructure:"bill_dedup_hits"`
}

// RedisConfig locates the dedup cache's redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DedupConfig selects and tunes the dedup cache backend.
type DedupConfig struct {
	Backend  string      `mapstructure:"backend"` // redis or memory
	TTLHours int         `mapstructure:"ttl_hours"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// BatchConfig bounds batch fan-out.
type BatchConfig struct {
	MaxConcurrent    int64   `mapstructure:"max_concurrent"`
	MaxPerBatchFree  int     `mapstructure:"max_per_batch_free"`
	MaxPerBatchPro   int     `mapstructure:"max_per_batch_pro"`
	MaxPerBatchEnt   int     `mapstructure:"max_per_batch_enterprise"`
	MaxBatchBytes    int64   `mapstructure:"max_batch_bytes"`
	TenantRatePerSec float64 `mapstructure:"tenant_rate_per_sec"`
	TenantBurst      int     `mapstructure:"tenant_burst"`
}

// RPCConfig tunes the websocket call channel.
type RPCConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	RequestTimeoutSeconds int  `mapstructure:"request_timeout_seconds"`
	PingIntervalSeconds   int  `mapstructure:"ping_interval_seconds"`
	MaxInFlight           int  `mapstructure:"max_in_flight"`
}

// StorageConfig selects the artifact blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // gcs, local, or memory
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Backend  string `mapstructure:"backend"` // postgres or memory
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for usage event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PDFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("pool.min_idle", 1)
	v.SetDefault("pool.max_sessions", 4)
	v.SetDefault("pool.acquire_timeout_ms", 10000)
	v.SetDefault("pool.idle_timeout_seconds", 300)
	v.SetDefault("pool.lease_timeout_seconds", 120)
	v.SetDefault("chrome.no_sandbox", false)
	v.SetDefault("chrome.nav_timeout_seconds", 25)
	v.SetDefault("limits.max_html_bytes", 10<<20)
	v.SetDefault("limits.max_body_bytes", 64<<20)
	v.SetDefault("limits.generation_timeout_seconds", 30)
	v.SetDefault("limits.artifact_ttl_hours", 168)
	v.SetDefault("quota.staleness_seconds", 60)
	v.SetDefault("quota.bill_dedup_hits", true)
	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.ttl_hours", 24)
	v.SetDefault("batch.max_concurrent", 2)
	v.SetDefault("batch.max_per_batch_free", 5)
	v.SetDefault("batch.max_per_batch_pro", 50)
	v.SetDefault("batch.max_per_batch_enterprise", 200)
	v.SetDefault("batch.max_batch_bytes", 50<<20)
	v.SetDefault("batch.tenant_rate_per_sec", 0)
	v.SetDefault("batch.tenant_burst", 1)
	v.SetDefault("rpc.enabled", true)
	v.SetDefault("rpc.request_timeout_seconds", 60)
	v.SetDefault("rpc.ping_interval_seconds", 15)
	v.SetDefault("rpc.max_in_flight", 32)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("db.backend", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be > 0")
	}
	if c.Pool.MinIdle > c.Pool.MaxSessions {
		return fmt.Errorf("pool.min_idle must not exceed pool.max_sessions")
	}
	if c.Limits.GenerationTimeoutSeconds <= 0 {
		return fmt.Errorf("limits.generation_timeout_seconds must be > 0")
	}
	if c.Batch.MaxConcurrent > int64(c.Pool.MaxSessions) {
		return fmt.Errorf("batch.max_concurrent must not exceed pool.max_sessions")
	}
	switch c.Storage.Backend {
	case "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs, local, or memory")
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.backend is postgres")
		}
	default:
		return fmt.Errorf("db.backend must be postgres or memory")
	}
	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.Redis.Addr == "" {
			return fmt.Errorf("dedup.redis.addr must be set when dedup.backend is redis")
		}
	default:
		return fmt.Errorf("dedup.backend must be redis or memory")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// GenerationTimeout returns the render wall-clock limit as a duration.
func (c Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Limits.GenerationTimeoutSeconds) * time.Second
}
