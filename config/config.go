// Package config loads SyncStream service configuration from a YAML file
// with environment variable overrides. Every field has a usable default so
// an empty config starts a working single-node setup against a local NATS.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/syncstream/errors"
)

// Session backend names accepted by Session.Backend.
const (
	SessionBackendMemory = "memory"
	SessionBackendKV     = "kv"
)

// NATS holds connection settings for the messaging backbone.
type NATS struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
}

// Streams holds stream topology and delivery settings.
type Streams struct {
	// Prefix namespaces every stream and subject this deployment creates.
	Prefix string `yaml:"prefix"`
	// Inbound is the shared stream all endpoints write to.
	Inbound string `yaml:"inbound"`
	// AckWait is how long a delivered entry may stay unacknowledged before
	// it is considered stale.
	AckWait time.Duration `yaml:"ack_wait"`
}

// Router holds the consume-loop settings of the router service.
type Router struct {
	Group     string        `yaml:"group"`
	Workers   int           `yaml:"workers"`
	BatchSize int           `yaml:"batch_size"`
	BlockWait time.Duration `yaml:"block_wait"`
	// Start is "latest" or "earliest"; applied only when the group is first
	// created.
	Start string `yaml:"start"`
}

// Session holds session registry settings.
type Session struct {
	// Backend selects the registry implementation: "memory" for a single
	// router instance, "kv" for a shared JetStream bucket.
	Backend string        `yaml:"backend"`
	Bucket  string        `yaml:"bucket"`
	TTL     time.Duration `yaml:"ttl"`
}

// Log holds logging settings.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Metrics holds the Prometheus exposition settings.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the root configuration document.
type Config struct {
	NATS    NATS    `yaml:"nats"`
	Streams Streams `yaml:"streams"`
	Router  Router  `yaml:"router"`
	Session Session `yaml:"session"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		NATS: NATS{
			URL:            "nats://localhost:4222",
			Name:           "syncstream",
			ConnectTimeout: 10 * time.Second,
			DrainTimeout:   10 * time.Second,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
		},
		Streams: Streams{
			Prefix:  "sync",
			Inbound: "requests",
			AckWait: 30 * time.Second,
		},
		Router: Router{
			Group:     "processors",
			Workers:   1,
			BatchSize: 10,
			BlockWait: time.Second,
			Start:     "latest",
		},
		Session: Session{
			Backend: SessionBackendMemory,
			Bucket:  "syncstream-sessions",
			TTL:     time.Hour,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Metrics: Metrics{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Load reads configuration from path, layered over the defaults and under
// the environment overrides. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Load", "read "+path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Load", "parse "+path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays SYNCSTREAM_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.NATS.URL, "SYNCSTREAM_NATS_URL")
	setString(&c.NATS.Name, "SYNCSTREAM_NATS_NAME")
	setDuration(&c.NATS.ConnectTimeout, "SYNCSTREAM_NATS_CONNECT_TIMEOUT")
	setString(&c.Streams.Prefix, "SYNCSTREAM_STREAM_PREFIX")
	setString(&c.Streams.Inbound, "SYNCSTREAM_INBOUND_STREAM")
	setDuration(&c.Streams.AckWait, "SYNCSTREAM_ACK_WAIT")
	setString(&c.Router.Group, "SYNCSTREAM_ROUTER_GROUP")
	setInt(&c.Router.Workers, "SYNCSTREAM_ROUTER_WORKERS")
	setString(&c.Router.Start, "SYNCSTREAM_ROUTER_START")
	setString(&c.Session.Backend, "SYNCSTREAM_SESSION_BACKEND")
	setString(&c.Session.Bucket, "SYNCSTREAM_SESSION_BUCKET")
	setDuration(&c.Session.TTL, "SYNCSTREAM_SESSION_TTL")
	setString(&c.Log.Level, "SYNCSTREAM_LOG_LEVEL")
	setString(&c.Log.Format, "SYNCSTREAM_LOG_FORMAT")
	setBool(&c.Metrics.Enabled, "SYNCSTREAM_METRICS_ENABLED")
	setString(&c.Metrics.Addr, "SYNCSTREAM_METRICS_ADDR")
}

// Validate checks cross-field constraints after all layers are applied.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.url")
	}
	if c.Streams.Inbound == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "streams.inbound")
	}
	if c.Router.Group == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "router.group")
	}
	if c.Router.Workers < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "router.workers must be positive")
	}
	switch c.Router.Start {
	case "latest", "earliest":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"router.start must be latest or earliest")
	}
	switch c.Session.Backend {
	case SessionBackendMemory, SessionBackendKV:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"session.backend must be memory or kv")
	}
	if c.Session.Backend == SessionBackendKV && c.Session.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "session.bucket")
	}
	if c.Session.TTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "session.ttl must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"log.format must be text or json")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
