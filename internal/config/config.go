package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds server configuration
type Config struct {
	// Server
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Environment string   `mapstructure:"environment"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	Storage StorageConfig `mapstructure:"storage"`
	Session SessionConfig `mapstructure:"session"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Log     LogConfig     `mapstructure:"log"`
}

// StorageConfig selects where documents are persisted
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // file, postgres or memory
	Folder      string `mapstructure:"folder"`
	DatabaseURL string `mapstructure:"database_url"`
}

// SessionConfig tunes per-session delivery
type SessionConfig struct {
	SendQueueSize int `mapstructure:"send_queue_size"`
}

// LimitsConfig bounds what a single client may consume
type LimitsConfig struct {
	MaxConnectionsPerIP  int   `mapstructure:"max_connections_per_ip"`
	MaxMessagesPerMinute int   `mapstructure:"max_messages_per_minute"`
	MaxMessageSize       int64 `mapstructure:"max_message_size"`
	MaxDocumentLength    int   `mapstructure:"max_document_length"`
}

// RedisConfig enables the Redis presence mirror (optional)
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	Prefix      string        `mapstructure:"prefix"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

// KafkaConfig enables the commit event feed (optional)
type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	QueueSize int      `mapstructure:"queue_size"`
	Workers   int      `mapstructure:"workers"`
	MaxRetry  int      `mapstructure:"max_retry"`
}

// LogConfig configures the root logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// env maps config keys to the environment variables that override them
var env = map[string]string{
	"host":                           "HOST",
	"port":                           "PORT",
	"environment":                    "ENVIRONMENT",
	"storage.driver":                 "STORAGE_DRIVER",
	"storage.folder":                 "BASE_FOLDER",
	"storage.database_url":           "DATABASE_URL",
	"session.send_queue_size":        "SEND_QUEUE_SIZE",
	"limits.max_connections_per_ip":  "MAX_CONNECTIONS_PER_IP",
	"limits.max_messages_per_minute": "MAX_MESSAGES_PER_MINUTE",
	"redis.url":                      "REDIS_URL",
	"redis.prefix":                   "REDIS_PREFIX",
	"kafka.brokers":                  "KAFKA_BROKERS",
	"kafka.topic":                    "KAFKA_TOPIC",
	"log.level":                      "LOG_LEVEL",
	"log.pretty":                     "LOG_PRETTY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 9002)
	v.SetDefault("environment", "development")
	v.SetDefault("cors_origins", []string{"*"})

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.folder", "./documents")

	v.SetDefault("session.send_queue_size", 256)

	v.SetDefault("limits.max_connections_per_ip", 50)
	v.SetDefault("limits.max_messages_per_minute", 500)
	v.SetDefault("limits.max_message_size", 2_000_000)
	v.SetDefault("limits.max_document_length", 1_000_000)

	v.SetDefault("redis.prefix", "padsync")
	v.SetDefault("redis.presence_ttl", 90*time.Second)

	v.SetDefault("kafka.topic", "padsync.commits")
	v.SetDefault("kafka.queue_size", 1024)
	v.SetDefault("kafka.workers", 1)
	v.SetDefault("kafka.max_retry", 3)

	v.SetDefault("log.level", "info")
}

// Load reads configuration from, in increasing precedence: defaults, a
// config file, environment variables and command line flags
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("padsync", pflag.ContinueOnError)
	configFile := fs.StringP("config", "c", "", "config file (toml, yaml or json)")
	fs.String("host", "127.0.0.1", "listen host")
	fs.IntP("port", "p", 9002, "listen port")
	fs.StringP("folder", "f", "./documents", "base folder for documents")
	fs.String("storage", "file", "storage driver: file, postgres or memory")
	fs.String("log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, err
		}
	}

	flags := map[string]string{
		"host":           "host",
		"port":           "port",
		"storage.folder": "folder",
		"storage.driver": "storage",
		"log.level":      "log-level",
	}
	for key, flag := range flags {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", *configFile, err)
		}
	} else {
		v.SetConfigName("padsync")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Storage.Driver {
	case "file":
		if c.Storage.Folder == "" {
			return errors.New("file storage needs a base folder")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("postgres storage needs DATABASE_URL")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Session.SendQueueSize < 1 {
		return fmt.Errorf("send queue size must be positive, got %d", c.Session.SendQueueSize)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka brokers configured without a topic")
	}
	return nil
}
