package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
log_level: debug
store:
  backend: bolt
  path: /var/lib/collab/collab.db
sync:
  save_every: 250ms
  idle_timeout: 5m
relay:
  enabled: true
  redis_addr: localhost:6379
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.SaveEvery)
	assert.Equal(t, 5*time.Minute, cfg.Sync.IdleTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, 4096, cfg.Relay.QueueSize)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"COLLAB_STORE":      "redis",
		"REDIS_ADDR":        "redis:6379",
		"COLLAB_SAVE_EVERY": "3s",
		"COLLAB_DISCOVERY":  "true",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 3*time.Second, cfg.Sync.SaveEvery)
	assert.True(t, cfg.Discovery.Enabled)

	bad := Default()
	err := bad.applyEnv(func(k string) (string, bool) {
		if k == "COLLAB_SAVE_EVERY" {
			return "soon", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown backend":      func(c *Config) { c.Store.Backend = "s3" },
		"redis without addr":   func(c *Config) { c.Store.Backend = "redis" },
		"postgres without url": func(c *Config) { c.Store.Backend = "postgres" },
		"badger without path":  func(c *Config) { c.Store.Backend = "badger" },
		"zero save interval":   func(c *Config) { c.Sync.SaveEvery = 0 },
		"relay without addr":   func(c *Config) { c.Relay.Enabled = true },
		"empty relay queue":    func(c *Config) { c.Relay.QueueSize = 0 },
		"bad log level":        func(c *Config) { c.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
