// Package pubsub implements bounded fan-out of event envelopes to
// pattern subscribers.
//
// Delivery is best effort per subscriber: each subscription owns a
// bounded channel, and a publish never blocks on a slow consumer. When
// a subscriber's channel is full the envelope is dropped for that
// subscriber only and its drop counter is incremented.
package pubsub

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dshills/stormbus/envelope"
	"github.com/dshills/stormbus/logging"
	"github.com/dshills/stormbus/topic"
)

var (
	// ErrInvalidPattern is returned by Subscribe for a malformed topic
	// pattern.
	ErrInvalidPattern = errors.New("invalid subscription pattern")

	// ErrClosed is returned by Subscribe and Publish after Close.
	ErrClosed = errors.New("pubsub hub closed")
)

// DefaultBuffer is the per-subscription channel capacity when no
// SubOption overrides it.
const DefaultBuffer = 64

// SubID identifies a subscription.
type SubID uint64

// Subscription is one subscriber's view of the hub. Receive from C
// until it is closed by Unsubscribe or hub shutdown.
type Subscription struct {
	id      SubID
	pattern topic.Topic
	ch      chan envelope.Envelope
	dropped atomic.Uint64

	closeOnce sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() SubID { return s.id }

// Pattern returns the topic pattern this subscription matches.
func (s *Subscription) Pattern() topic.Topic { return s.pattern }

// C returns the receive channel.
func (s *Subscription) C() <-chan envelope.Envelope { return s.ch }

// Dropped returns how many envelopes were discarded because the
// channel was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// SubOption configures a subscription.
type SubOption func(*subConfig)

type subConfig struct {
	buffer int
}

// WithBuffer sets the subscription's channel capacity.
func WithBuffer(n int) SubOption {
	return func(c *subConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// Hub fans events out to pattern subscribers.
type Hub struct {
	mu        sync.RWMutex
	matcher   *topic.Matcher
	byPattern map[topic.Topic][]*Subscription
	byID      map[SubID]*Subscription
	nextID    uint64
	closed    bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	log logging.Logger
}

// NewHub creates an empty hub. logger may be nil.
func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		matcher:   topic.NewMatcher(),
		byPattern: make(map[topic.Topic][]*Subscription),
		byID:      make(map[SubID]*Subscription),
		log:       logger,
	}
}

// Subscribe registers interest in every topic matching pattern.
func (h *Hub) Subscribe(pattern topic.Topic, opts ...SubOption) (*Subscription, error) {
	if !pattern.IsValid() {
		return nil, ErrInvalidPattern
	}
	cfg := subConfig{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	sub := &Subscription{
		id:      SubID(h.nextID),
		pattern: pattern,
		ch:      make(chan envelope.Envelope, cfg.buffer),
	}
	h.byPattern[pattern] = append(h.byPattern[pattern], sub)
	h.byID[sub.id] = sub
	h.matcher.Add(pattern)
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel. It
// returns false when the ID is unknown.
func (h *Hub) Unsubscribe(id SubID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.byID[id]
	if !ok {
		return false
	}
	delete(h.byID, id)
	bucket := h.byPattern[sub.pattern]
	for i, cand := range bucket {
		if cand.id == id {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(h.byPattern, sub.pattern)
		h.matcher.Remove(sub.pattern)
	} else {
		h.byPattern[sub.pattern] = bucket
	}

	// Closing under the write lock keeps the close exclusive with the
	// try-sends in Publish, which hold the read lock.
	sub.close()
	return true
}

// Publish fans env out to every subscription matching key and returns
// the number of subscribers that actually received it. Subscribers
// with full channels are skipped, never waited on.
//
// The read lock is held across the try-sends: subscription channels
// are only closed under the write lock, so a concurrent Unsubscribe or
// Close cannot turn a send into a send-on-closed-channel panic.
func (h *Hub) Publish(key topic.Topic, env envelope.Envelope) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrClosed
	}

	h.published.Add(1)
	delivered := 0
	for _, p := range h.matcher.Match(key) {
		for _, sub := range h.byPattern[p] {
			select {
			case sub.ch <- env:
				delivered++
				h.delivered.Add(1)
			default:
				sub.dropped.Add(1)
				h.dropped.Add(1)
				h.log.Debug("subscriber queue full, dropping event",
					zap.Uint64("subscription", uint64(sub.id)),
					zap.String("topic", key.String()))
			}
		}
	}
	return delivered, nil
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Stats reports cumulative publish counters.
func (h *Hub) Stats() (published, delivered, dropped uint64) {
	return h.published.Load(), h.delivered.Load(), h.dropped.Load()
}

// Close shuts the hub down and closes every subscription channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.byID {
		sub.close()
	}
	h.byID = make(map[SubID]*Subscription)
	h.byPattern = make(map[topic.Topic][]*Subscription)
	h.matcher.Clear()
}
