// Package config loads bus tuning parameters from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the bus exposes. Defaults suit an IDE
// session on a developer machine; override via STORMBUS_* environment
// variables.
type Config struct {
	// LogLevel is the zap level name for bus logging.
	LogLevel string `env:"STORMBUS_LOG_LEVEL" envDefault:"info"`

	// QueueCapacity bounds each endpoint's dispatch queue.
	QueueCapacity int `env:"STORMBUS_QUEUE_CAPACITY" envDefault:"256"`

	// Workers is the number of dispatch workers per endpoint.
	Workers int `env:"STORMBUS_WORKERS" envDefault:"1"`

	// RequestTimeout is the default request/response deadline.
	RequestTimeout time.Duration `env:"STORMBUS_REQUEST_TIMEOUT" envDefault:"30s"`

	// SweepInterval is how often expired requests are reaped.
	SweepInterval time.Duration `env:"STORMBUS_SWEEP_INTERVAL" envDefault:"100ms"`

	// ProbeInterval is the gap between health probes of an endpoint.
	ProbeInterval time.Duration `env:"STORMBUS_PROBE_INTERVAL" envDefault:"5s"`

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration `env:"STORMBUS_PROBE_TIMEOUT" envDefault:"2s"`

	// DegradedAfter is the consecutive probe failures before an
	// endpoint is marked degraded.
	DegradedAfter int `env:"STORMBUS_DEGRADED_AFTER" envDefault:"3"`

	// UnreachableAfter is the further consecutive failures before a
	// degraded endpoint is marked unreachable.
	UnreachableAfter int `env:"STORMBUS_UNREACHABLE_AFTER" envDefault:"3"`

	// SubscribeBuffer is the default per-subscription channel size.
	SubscribeBuffer int `env:"STORMBUS_SUBSCRIBE_BUFFER" envDefault:"64"`

	// MaxMessageSize rejects payloads above this many bytes. Zero
	// disables the check.
	MaxMessageSize int `env:"STORMBUS_MAX_MESSAGE_SIZE" envDefault:"4194304"`

	// ShutdownGrace is how long Shutdown waits for queues to drain.
	ShutdownGrace time.Duration `env:"STORMBUS_SHUTDOWN_GRACE" envDefault:"5s"`
}

// Default returns the configuration with every field at its default.
func Default() Config {
	cfg, _ := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	return cfg
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the bus cannot run with.
func (c Config) Validate() error {
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive, got %s", c.ProbeInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.DegradedAfter < 1 || c.UnreachableAfter < 1 {
		return fmt.Errorf("health thresholds must be positive, got %d/%d",
			c.DegradedAfter, c.UnreachableAfter)
	}
	if c.SubscribeBuffer < 1 {
		return fmt.Errorf("subscribe buffer must be positive, got %d", c.SubscribeBuffer)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("max message size must not be negative, got %d", c.MaxMessageSize)
	}
	return nil
}
