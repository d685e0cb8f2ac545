package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncstream/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "sync", cfg.Streams.Prefix)
	assert.Equal(t, "requests", cfg.Streams.Inbound)
	assert.Equal(t, "processors", cfg.Router.Group)
	assert.Equal(t, SessionBackendMemory, cfg.Session.Backend)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
nats:
  url: nats://broker:4222
  connect_timeout: 5s
streams:
  prefix: prod
  ack_wait: 1m
router:
  workers: 4
  start: earliest
session:
  backend: kv
  bucket: prod-sessions
  ttl: 30m
log:
  level: debug
  format: text
metrics:
  enabled: true
  addr: ":2112"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 5*time.Second, cfg.NATS.ConnectTimeout)
	assert.Equal(t, "prod", cfg.Streams.Prefix)
	assert.Equal(t, time.Minute, cfg.Streams.AckWait)
	assert.Equal(t, 4, cfg.Router.Workers)
	assert.Equal(t, "earliest", cfg.Router.Start)
	assert.Equal(t, SessionBackendKV, cfg.Session.Backend)
	assert.Equal(t, "prod-sessions", cfg.Session.Bucket)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":2112", cfg.Metrics.Addr)

	// Untouched sections keep their defaults.
	assert.Equal(t, "requests", cfg.Streams.Inbound)
	assert.Equal(t, "processors", cfg.Router.Group)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
nats:
  url: nats://file:4222
`)
	t.Setenv("SYNCSTREAM_NATS_URL", "nats://env:4222")
	t.Setenv("SYNCSTREAM_ROUTER_WORKERS", "8")
	t.Setenv("SYNCSTREAM_SESSION_TTL", "15m")
	t.Setenv("SYNCSTREAM_METRICS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 8, cfg.Router.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Session.TTL)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "nats: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"empty inbound stream", func(c *Config) { c.Streams.Inbound = "" }},
		{"empty router group", func(c *Config) { c.Router.Group = "" }},
		{"zero workers", func(c *Config) { c.Router.Workers = 0 }},
		{"bad start position", func(c *Config) { c.Router.Start = "yesterday" }},
		{"unknown session backend", func(c *Config) { c.Session.Backend = "redis" }},
		{"kv backend without bucket", func(c *Config) {
			c.Session.Backend = SessionBackendKV
			c.Session.Bucket = ""
		}},
		{"zero session ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
