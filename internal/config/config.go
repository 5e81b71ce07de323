// Package config loads server settings from defaults, an optional config
// file, RENDEZVOUS_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "RENDEZVOUS"

const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type StoreConfig struct {
	Backend          string        `mapstructure:"backend"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	DynamoDBTable    string        `mapstructure:"dynamodb_table"`
	DynamoDBRegion   string        `mapstructure:"dynamodb_region"`
	DynamoDBEndpoint string        `mapstructure:"dynamodb_endpoint"`
	DynamoDBTTL      time.Duration `mapstructure:"dynamodb_ttl"`
}

type EventsConfig struct {
	MQTTBroker      string `mapstructure:"mqtt_broker"`
	MQTTTopicPrefix string `mapstructure:"mqtt_topic_prefix"`
}

type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	LogFile         string        `mapstructure:"log_file"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	MessagesPerSecond    float64 `mapstructure:"messages_per_second"`
	MessageBurst         int     `mapstructure:"message_burst"`
	APIRequestsPerSecond float64 `mapstructure:"api_requests_per_second"`
	APIBurst             int     `mapstructure:"api_burst"`

	Store      StoreConfig  `mapstructure:"store"`
	Events     EventsConfig `mapstructure:"events"`
	ICEServers []ICEServer  `mapstructure:"ice_servers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("stale_after", time.Hour)
	v.SetDefault("sweep_interval", 5*time.Minute)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("messages_per_second", 100.0)
	v.SetDefault("message_burst", 200)
	v.SetDefault("api_requests_per_second", 10.0)
	v.SetDefault("api_burst", 20)

	v.SetDefault("store.backend", BackendNone)
	v.SetDefault("store.sqlite_path", "./data/rendezvous.db")
	v.SetDefault("store.dynamodb_table", "RendezvousRooms")
	v.SetDefault("store.dynamodb_region", "")
	v.SetDefault("store.dynamodb_endpoint", "")
	v.SetDefault("store.dynamodb_ttl", 24*time.Hour)

	v.SetDefault("events.mqtt_broker", "")
	v.SetDefault("events.mqtt_topic_prefix", "rendezvous/rooms")

	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
	})
}

// Flag names and the keys they override.
var flagKeys = map[string]string{
	"listen":    "listen_addr",
	"log-level": "log_level",
	"store":     "store.backend",
}

// Load reads configuration. configFile may be empty, in which case
// rendezvous.{yaml,json,toml} is looked up in the working directory and is
// optional. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("rendezvous")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Debug("no config file found, using defaults")
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must be set")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}

	for key, d := range map[string]time.Duration{
		"stale_after":      c.StaleAfter,
		"sweep_interval":   c.SweepInterval,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, d)
		}
	}

	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return errors.New("messages_per_second and message_burst must be positive")
	}
	if c.APIRequestsPerSecond <= 0 || c.APIBurst <= 0 {
		return errors.New("api_requests_per_second and api_burst must be positive")
	}

	switch c.Store.Backend {
	case BackendNone:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path must be set for the sqlite backend")
		}
	case BackendDynamoDB:
		if c.Store.DynamoDBTable == "" {
			return errors.New("store.dynamodb_table must be set for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d] has no urls", i)
		}
	}
	return nil
}
