// Package config loads and validates crawlpit service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Defaults TaskDefaults  `mapstructure:"task_defaults"`
	Store    StoreConfig   `mapstructure:"store"`
	PubSub   PubSubConfig  `mapstructure:"pubsub"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls control-API HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines control-API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TaskDefaults holds process-wide task settings. Only UserAgent is used (by
// the fetcher built in main); the other fields are loaded but are not copied
// into a TaskConfig, so a task config that omits them is not filled in.
type TaskDefaults struct {
	WorkerCount     int           `mapstructure:"worker_count"`
	MaxDepth        int           `mapstructure:"max_depth"`
	RequestInterval time.Duration `mapstructure:"request_interval"`
	RetryTimes      int           `mapstructure:"retry_times"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// StoreConfig selects and configures the Record Store Adapter backend.
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"` // "memory" or "postgres"
	DSN         string        `mapstructure:"dsn"`
	Table       string        `mapstructure:"table"`
	MaxConns    int           `mapstructure:"max_conns"`
	MinConns    int           `mapstructure:"min_conns"`
	MaxConnLife time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for the Completion Notifier's Pub/Sub topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. path may be empty, in which
// case only defaults and environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLPIT")
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
	v.SetDefault("task_defaults.worker_count", 4)
	v.SetDefault("task_defaults.max_depth", 3)
	v.SetDefault("task_defaults.request_interval", time.Second)
	v.SetDefault("task_defaults.retry_times", 2)
	v.SetDefault("task_defaults.respect_robots", true)
	v.SetDefault("task_defaults.user_agent", "crawlpit/1.0 (+https://crawlpit.example/bot)")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.table", "url_records")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Defaults.WorkerCount <= 0 {
		return fmt.Errorf("task_defaults.worker_count must be > 0")
	}
	if c.Defaults.MaxDepth <= 0 {
		return fmt.Errorf("task_defaults.max_depth must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}
