// Package config loads server configuration from a YAML file, then applies
// environment overrides and validates the result.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen    string          `yaml:"listen" validate:"required"`
	LogLevel  string          `yaml:"log_level" validate:"oneof=debug info warn error"`
	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Relay     RelayConfig     `yaml:"relay"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend" validate:"required,oneof=memory redis postgres badger bolt"`
	RedisAddr   string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	DatabaseURL string `yaml:"database_url" validate:"required_if=Backend postgres"`
	// Path is the database directory (badger) or file (bolt).
	Path        string `yaml:"path"`
}

type SyncConfig struct {
	SaveEvery      time.Duration `yaml:"save_every" validate:"gt=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	FlushTimeout   time.Duration `yaml:"flush_timeout" validate:"gt=0"`
	MaxHistory     int           `yaml:"max_history" validate:"gte=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1"`
	SendBuffer     int           `yaml:"send_buffer" validate:"gte=1"`
	// RateLimit caps inbound messages per second per connection; Burst is
	// the bucket size.
	RateLimit      float64       `yaml:"rate_limit" validate:"gt=0"`
	Burst          int           `yaml:"burst" validate:"gte=1"`
}

// RelayConfig publishes accepted batches to Redis pub/sub.
type RelayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Enabled true"`
	// QueueSize bounds batches waiting to be published across all documents.
	QueueSize int    `yaml:"queue_size" validate:"gte=1"`
}

// DiscoveryConfig advertises the server over mDNS.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Service  string `yaml:"service" validate:"required"`
	Instance string `yaml:"instance"`
}

func Default() Config {
	return Config{
		Listen:   ":8081",
		LogLevel: "info",
		Store:    StoreConfig{Backend: "memory"},
		Sync: SyncConfig{
			SaveEvery:      time.Second,
			IdleTimeout:    time.Minute,
			SessionTimeout: 2 * time.Minute,
			SweepInterval:  5 * time.Second,
			FlushTimeout:   30 * time.Second,
			MaxHistory:     10000,
			MaxAttempts:    5,
			SendBuffer:     256,
			RateLimit:      50,
			Burst:          100,
		},
		Relay:     RelayConfig{QueueSize: 4096},
		Discovery: DiscoveryConfig{Service: "_collabtext._tcp"},
	}
}

// Load reads path (optional), applies the environment and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("COLLAB_LISTEN", &c.Listen)
	str("COLLAB_LOG_LEVEL", &c.LogLevel)
	str("COLLAB_STORE", &c.Store.Backend)
	str("COLLAB_STORE_PATH", &c.Store.Path)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("COLLAB_RELAY_REDIS_ADDR", &c.Relay.RedisAddr)
	if v, ok := lookup("COLLAB_SAVE_EVERY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COLLAB_SAVE_EVERY: %w", err)
		}
		c.Sync.SaveEvery = d
	}
	if v, ok := lookup("COLLAB_DISCOVERY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COLLAB_DISCOVERY: %w", err)
		}
		c.Discovery.Enabled = b
	}
	return nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.Store.Backend == "badger" || c.Store.Backend == "bolt") && c.Store.Path == "" {
		return fmt.Errorf("invalid config: store.path is required for the %s backend", c.Store.Backend)
	}
	return nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
