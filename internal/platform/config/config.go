// Package config loads server configuration from defaults, an optional config
// file, an optional .env file and POE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	strs "poe/pkg/platform/strings"
)

// EnvPrefix namespaces environment overrides: POE_CLAIMS_MAX_LENGTH overrides
// claims.max_length.
const EnvPrefix = "POE"

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
)

// Event sinks.
const (
	SinkMemory = "memory"
	SinkRedis  = "redis"
	SinkKafka  = "kafka"
	SinkOutbox = "outbox"
)

// Config holds all server configuration.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"server"`

	Claims struct {
		MaxLength int `mapstructure:"max_length"`
	} `mapstructure:"claims"`

	Store struct {
		Type     string `mapstructure:"type"`     // memory, postgres, redis, sqlite
		Postgres string `mapstructure:"postgres"` // postgres DSN
		Redis    string `mapstructure:"redis"`    // redis URL
		SQLite   string `mapstructure:"sqlite"`   // sqlite file path
	} `mapstructure:"store"`

	Redis RedisConfig `mapstructure:"redis"`

	Events struct {
		Sink         string `mapstructure:"sink"` // memory, redis, kafka, outbox
		RedisChannel string `mapstructure:"redis_channel"`
		// MemoryCapacity bounds the events kept by the memory sink.
		MemoryCapacity int `mapstructure:"memory_capacity"`
	} `mapstructure:"events"`

	Kafka struct {
		Brokers           []string `mapstructure:"brokers"`
		Topic             string   `mapstructure:"topic"`
		CreateTopic       bool     `mapstructure:"create_topic"`
		Partitions        int32    `mapstructure:"partitions"`
		ReplicationFactor int16    `mapstructure:"replication_factor"`
	} `mapstructure:"kafka"`

	Outbox struct {
		RelayTo   string        `mapstructure:"relay_to"` // kafka, redis
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batch_size"`
	} `mapstructure:"outbox"`

	Blocks struct {
		Interval time.Duration `mapstructure:"interval"`
		Start    uint64        `mapstructure:"start"`
	} `mapstructure:"blocks"`

	Auth struct {
		JWTSigningKey string `mapstructure:"jwt_signing_key"`
		Issuer        string `mapstructure:"issuer"`
	} `mapstructure:"auth"`

	RateLimit struct {
		Enabled    bool          `mapstructure:"enabled"`
		ReadLimit  int           `mapstructure:"read_limit"`  // requests per window per account
		WriteLimit int           `mapstructure:"write_limit"` // requests per window per account
		Window     time.Duration `mapstructure:"window"`
	} `mapstructure:"ratelimit"`

	Log struct {
		Level  string `mapstructure:"level"`  // debug, info, warn, error
		Format string `mapstructure:"format"` // json, text
	} `mapstructure:"log"`

	Tracing struct {
		Enabled      bool    `mapstructure:"enabled"`
		Exporter     string  `mapstructure:"exporter"` // stdout, otlp
		OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
		SampleRate   float64 `mapstructure:"sample_rate"`
	} `mapstructure:"tracing"`
}

// RedisConfig tunes the shared Redis client.
type RedisConfig struct {
	URL          string        `mapstructure:"-"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SetDefaults registers every key so environment overrides are honored even
// without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("claims.max_length", 64)

	v.SetDefault("store.type", StoreMemory)
	v.SetDefault("store.postgres", "")
	v.SetDefault("store.redis", "")
	v.SetDefault("store.sqlite", "~/.poe/claims.db")

	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("events.sink", SinkMemory)
	v.SetDefault("events.redis_channel", "poe:claim-events")
	v.SetDefault("events.memory_capacity", 1024)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "poe.claim-events")
	v.SetDefault("kafka.create_topic", true)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("outbox.relay_to", SinkKafka)
	v.SetDefault("outbox.interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)

	v.SetDefault("blocks.interval", 6*time.Second)
	v.SetDefault("blocks.start", 0)

	v.SetDefault("auth.jwt_signing_key", "")
	v.SetDefault("auth.issuer", "poe")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.read_limit", 100)
	v.SetDefault("ratelimit.write_limit", 50)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Load reads configuration. Config file locations, first match wins:
//   - ./config.yaml
//   - ~/.poe/config.yaml
//   - /etc/poe/config.yaml
//
// A .env file in the working directory is loaded into the environment first
// and never overrides variables that are already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.poe")
	v.AddConfigPath("/etc/poe")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper unmarshals and validates an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Store.SQLite = expandPath(cfg.Store.SQLite)
	cfg.Redis.URL = cfg.Store.Redis
	cfg.Kafka.Brokers = strs.DedupeAndTrim(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Claims.MaxLength < 0 {
		errs = append(errs, fmt.Errorf("claims.max_length must not be negative, got %d", c.Claims.MaxLength))
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres == "" {
			errs = append(errs, errors.New("store.postgres is required when store.type is postgres"))
		}
	case StoreRedis:
		if c.Store.Redis == "" {
			errs = append(errs, errors.New("store.redis is required when store.type is redis"))
		}
	case StoreSQLite:
		if c.Store.SQLite == "" {
			errs = append(errs, errors.New("store.sqlite is required when store.type is sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.type %q", c.Store.Type))
	}

	switch c.Events.Sink {
	case SinkMemory:
		if c.Events.MemoryCapacity <= 0 {
			errs = append(errs, errors.New("events.memory_capacity must be positive"))
		}
	case SinkRedis:
		if c.Store.Redis == "" {
			errs = append(errs, errors.New("store.redis is required when events.sink is redis"))
		}
	case SinkKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when events.sink is kafka"))
		}
	case SinkOutbox:
		if c.Store.Type != StorePostgres {
			errs = append(errs, errors.New("events.sink outbox requires store.type postgres"))
		}
		switch c.Outbox.RelayTo {
		case SinkKafka:
			if len(c.Kafka.Brokers) == 0 {
				errs = append(errs, errors.New("kafka.brokers is required when outbox.relay_to is kafka"))
			}
		case SinkRedis:
			if c.Store.Redis == "" {
				errs = append(errs, errors.New("store.redis is required when outbox.relay_to is redis"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown outbox.relay_to %q", c.Outbox.RelayTo))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events.sink %q", c.Events.Sink))
	}

	if c.Auth.JWTSigningKey == "" {
		errs = append(errs, errors.New("auth.jwt_signing_key is required"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.ReadLimit <= 0 || c.RateLimit.WriteLimit <= 0 {
			errs = append(errs, errors.New("ratelimit.read_limit and ratelimit.write_limit must be positive"))
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("ratelimit.window must be positive"))
		}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0,1], got %v", c.Tracing.SampleRate))
		}
	}
	return errors.Join(errs...)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
