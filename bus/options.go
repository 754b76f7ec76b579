package bus

import (
	"time"

	"github.com/dshills/stormbus/codec"
	"github.com/dshills/stormbus/config"
	"github.com/dshills/stormbus/logging"
)

// Option configures a Bus.
type Option func(*Bus)

// WithConfig applies a full configuration. Individual options applied
// after it override its values.
func WithConfig(cfg config.Config) Option {
	return func(b *Bus) {
		b.cfg = cfg
	}
}

// WithCodec sets the wire codec for endpoint traffic.
func WithCodec(c codec.Codec) Option {
	return func(b *Bus) {
		if c != nil {
			b.codec = c
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithQueueCapacity bounds each endpoint's dispatch queue.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.cfg.QueueCapacity = n
		}
	}
}

// WithWorkers sets dispatch workers per endpoint. More than one worker
// trades strict per-endpoint ordering for throughput.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.cfg.Workers = n
		}
	}
}

// WithRequestTimeout sets the default request/response deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.cfg.RequestTimeout = d
		}
	}
}

// WithMaxMessageSize rejects payloads above n bytes. Zero disables the
// check.
func WithMaxMessageSize(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.cfg.MaxMessageSize = n
		}
	}
}
