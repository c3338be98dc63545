// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageSQLite   = "sqlite"
)

// Publisher backends accepted by publisher.backend.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherKafka  = "kafka"
	PublisherPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs worker pool sizing.
type CrawlerConfig struct {
	DefaultWorkers int    `mapstructure:"default_workers"`
	MaxWorkers     int    `mapstructure:"max_workers"`
	UserAgent      string `mapstructure:"user_agent"`
}

// FetchConfig configures page retrieval and the per-job fetch cache.
type FetchConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	CacheSize      int `mapstructure:"cache_size"`
}

// StorageConfig selects and configures the job store.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig addresses the Redis job store.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// SQLiteConfig locates the SQLite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PublisherConfig selects where finalized seed results are sent.
type PublisherConfig struct {
	Backend string       `mapstructure:"backend"`
	Topic   string       `mapstructure:"topic"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
}

// KafkaConfig lists the brokers used by the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// PubSubConfig holds metadata for Google Pub/Sub notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.default_workers", 1)
	v.SetDefault("crawler.max_workers", 64)
	v.SetDefault("crawler.user_agent", "image-crawler/0.1")
	v.SetDefault("fetch.timeout_seconds", 5)
	v.SetDefault("fetch.cache_size", 128)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "crawl_jobs")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "imagecrawler:")
	v.SetDefault("storage.redis.ttl_seconds", 0)
	v.SetDefault("storage.sqlite.path", "jobs.db")
	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("publisher.topic", "")
	v.SetDefault("publisher.kafka.brokers", []string{})
	v.SetDefault("publisher.pubsub.project_id", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.DefaultWorkers <= 0 {
		return fmt.Errorf("crawler.default_workers must be > 0")
	}
	if c.Crawler.MaxWorkers < 0 {
		return fmt.Errorf("crawler.max_workers must be >= 0")
	}
	if c.Crawler.MaxWorkers > 0 && c.Crawler.DefaultWorkers > c.Crawler.MaxWorkers {
		return fmt.Errorf("crawler.default_workers must not exceed crawler.max_workers")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.CacheSize <= 0 {
		return fmt.Errorf("fetch.cache_size must be > 0")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres backend")
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr must be set for the redis backend")
		}
		if c.Storage.Redis.TTLSeconds < 0 {
			return fmt.Errorf("storage.redis.ttl_seconds must be >= 0")
		}
	case StorageSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}

	switch c.Publisher.Backend {
	case PublisherNone, PublisherMemory:
	case PublisherKafka:
		if len(c.Publisher.Kafka.Brokers) == 0 {
			return fmt.Errorf("publisher.kafka.brokers must be set for the kafka backend")
		}
	case PublisherPubSub:
		if c.Publisher.PubSub.ProjectID == "" {
			return fmt.Errorf("publisher.pubsub.project_id must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	if c.Publisher.Backend != PublisherNone && c.Publisher.Topic == "" {
		return fmt.Errorf("publisher.topic must be set when a publisher is configured")
	}
	return nil
}

// FetchTimeout converts fetch.timeout_seconds into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// RedisTTL converts storage.redis.ttl_seconds into a duration; zero disables expiry.
func (c Config) RedisTTL() time.Duration {
	return time.Duration(c.Storage.Redis.TTLSeconds) * time.Second
}
