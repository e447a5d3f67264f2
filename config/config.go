// Package config loads the gateway's runtime configuration.
//
// The gateway is configured entirely through environment variables. The
// Source interface abstracts where variable values come from, so tests can
// exercise Load without mutating the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names read by the gateway. This set is exhaustive:
// the gateway reads nothing else from the environment.
const (
	EnvUpstreamBaseURL       = "UPSTREAM_BASE_URL"
	EnvRedisURL              = "REDIS_URL"
	EnvBatchWindowSecs       = "BATCH_WINDOW_SECS"
	EnvBatchPollIntervalSecs = "BATCH_POLL_INTERVAL_SECS"
	EnvServerHost            = "SERVER_HOST"
	EnvServerPort            = "SERVER_PORT"
	EnvTCPKeepaliveSecs      = "TCP_KEEPALIVE_SECS"
)

// Defaults applied by Load for unset variables.
const (
	DefaultUpstreamBaseURL       = "https://api.openai.com/v1"
	DefaultRedisURL              = "redis://127.0.0.1:6379"
	DefaultBatchWindowSecs       = 60
	DefaultBatchPollIntervalSecs = 60
	DefaultServerHost            = "0.0.0.0"
	DefaultServerPort            = 8080
	DefaultTCPKeepaliveSecs      = 60
)

// AppConfig holds every runtime setting the gateway reads.
type AppConfig struct {
	UpstreamBaseURL       string
	RedisURL              string
	BatchWindowSecs       int
	BatchPollIntervalSecs int
	ServerHost            string
	ServerPort            int
	TCPKeepaliveSecs      int
}

// BatchWindow returns the dispatcher cadence as a duration.
func (c *AppConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowSecs) * time.Second
}

// BatchPollInterval returns the per-batch poll cadence as a duration.
func (c *AppConfig) BatchPollInterval() time.Duration {
	return time.Duration(c.BatchPollIntervalSecs) * time.Second
}

// TCPKeepalive returns the accepted-socket keepalive idle time as a duration.
func (c *AppConfig) TCPKeepalive() time.Duration {
	return time.Duration(c.TCPKeepaliveSecs) * time.Second
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// Source is a provider of configuration values.
type Source interface {
	// Check verifies the source is usable before any lookups happen.
	Check() error

	// Lookup returns the value for name and whether it was set.
	Lookup(name string) (string, bool)
}

// Env reads configuration values from the process environment.
type Env struct{}

func (Env) Check() error { return nil }

func (Env) Lookup(name string) (string, bool) { return os.LookupEnv(name) }

// Static serves configuration values from a fixed map. Tests use it to
// exercise Load without touching the process environment.
type Static map[string]string

func (s Static) Check() error {
	if s == nil {
		return fmt.Errorf("static config source is nil")
	}
	return nil
}

func (s Static) Lookup(name string) (string, bool) {
	v, ok := s[name]
	return v, ok
}

// Load checks src and assembles an AppConfig from it, applying defaults for
// unset variables. Unparseable values fail the load; there is no partial
// fallback for a variable that is set but invalid.
func Load(src Source) (*AppConfig, error) {
	if err := src.Check(); err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		UpstreamBaseURL: stringVal(src, EnvUpstreamBaseURL, DefaultUpstreamBaseURL),
		RedisURL:        stringVal(src, EnvRedisURL, DefaultRedisURL),
		ServerHost:      stringVal(src, EnvServerHost, DefaultServerHost),
	}

	var err error
	if cfg.BatchWindowSecs, err = intVal(src, EnvBatchWindowSecs, DefaultBatchWindowSecs); err != nil {
		return nil, err
	}
	if cfg.BatchPollIntervalSecs, err = intVal(src, EnvBatchPollIntervalSecs, DefaultBatchPollIntervalSecs); err != nil {
		return nil, err
	}
	if cfg.ServerPort, err = intVal(src, EnvServerPort, DefaultServerPort); err != nil {
		return nil, err
	}
	if cfg.ServerPort < 1 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("%s out of range: %d", EnvServerPort, cfg.ServerPort)
	}
	if cfg.TCPKeepaliveSecs, err = intVal(src, EnvTCPKeepaliveSecs, DefaultTCPKeepaliveSecs); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (*AppConfig, error) {
	return Load(Env{})
}

func stringVal(src Source, name, def string) string {
	if v, ok := src.Lookup(name); ok {
		return v
	}
	return def
}

func intVal(src Source, name string, def int) (int, error) {
	v, ok := src.Lookup(name)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return n, nil
}
