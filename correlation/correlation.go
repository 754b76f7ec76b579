// Package correlation tracks in-flight requests awaiting responses.
//
// Each outgoing request registers its correlation ID with the Manager
// and receives a Pending that completes exactly once: with the matched
// response, with a timeout, or with a cancellation. A background sweep
// expires overdue entries so abandoned requests never leak.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/stormbus/envelope"
	"github.com/dshills/stormbus/logging"
)

var (
	// ErrDuplicateID is returned by Begin when the correlation ID is
	// already in flight.
	ErrDuplicateID = errors.New("correlation id already in flight")

	// ErrTimeout completes a Pending whose deadline passed before a
	// response arrived.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled completes a Pending that was cancelled before a
	// response arrived.
	ErrCancelled = errors.New("request cancelled")

	// ErrClosed is returned by Begin after the manager stops.
	ErrClosed = errors.New("correlation manager closed")
)

// TimeoutError carries the correlation ID and the deadline that was
// missed.
type TimeoutError struct {
	ID      uuid.UUID
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.ID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Pending is a single in-flight request. Wait blocks until the request
// completes; completion happens exactly once.
type Pending struct {
	id       uuid.UUID
	deadline time.Time
	timeout  time.Duration

	once sync.Once
	done chan struct{}

	resp envelope.Envelope
	err  error
}

// ID returns the correlation ID this entry tracks.
func (p *Pending) ID() uuid.UUID { return p.id }

// Wait blocks until the request completes or ctx is done. A context
// error does not cancel the entry; use Manager.Cancel for that.
func (p *Pending) Wait(ctx context.Context) (envelope.Envelope, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

// Done returns a channel closed when the request completes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// complete resolves the entry exactly once and reports whether this
// call won.
func (p *Pending) complete(resp envelope.Envelope, err error) bool {
	won := false
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
		won = true
	})
	return won
}

// Option configures a Manager.
type Option func(*Manager)

// WithSweepInterval sets how often expired entries are reaped.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager owns the table of in-flight requests.
type Manager struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*Pending
	closed  bool

	sweepEvery time.Duration
	log        logging.Logger

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewManager creates a Manager and starts its sweep loop.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pending:    make(map[uuid.UUID]*Pending),
		sweepEvery: 100 * time.Millisecond,
		log:        logging.NewNop(),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// Begin registers a correlation ID with a per-request timeout.
func (m *Manager) Begin(id uuid.UUID, timeout time.Duration) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	p := &Pending{
		id:       id,
		deadline: time.Now().Add(timeout),
		timeout:  timeout,
		done:     make(chan struct{}),
	}
	m.pending[id] = p
	return p, nil
}

// Resolve matches a response to its pending request. It returns false
// when the ID is unknown, already completed, or expired; the response
// is then dropped and logged at debug level rather than treated as an
// error.
func (m *Manager) Resolve(id uuid.UUID, resp envelope.Envelope) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("dropping response with no pending request",
			zap.String("correlation_id", id.String()))
		return false
	}
	if !p.complete(resp, nil) {
		m.log.Debug("dropping response for already-completed request",
			zap.String("correlation_id", id.String()))
		return false
	}
	return true
}

// Cancel completes a pending request with ErrCancelled. It returns
// false when the ID is not in flight.
func (m *Manager) Cancel(id uuid.UUID) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	return p.complete(envelope.Envelope{}, ErrCancelled)
}

// InFlight returns the number of requests currently awaiting responses.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops the sweep loop and completes every in-flight request
// with cause, so callers blocked in Wait observe why the manager went
// away. A nil cause completes them with ErrCancelled.
func (m *Manager) Close(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.stopped
	})

	m.mu.Lock()
	m.closed = true
	remaining := make([]*Pending, 0, len(m.pending))
	for id, p := range m.pending {
		remaining = append(remaining, p)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	for _, p := range remaining {
		p.complete(envelope.Envelope{}, cause)
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep completes every entry whose deadline has passed.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []*Pending
	for id, p := range m.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		p.complete(envelope.Envelope{}, &TimeoutError{ID: p.id, Timeout: p.timeout})
		m.log.Debug("request expired",
			zap.String("correlation_id", p.id.String()),
			zap.Duration("timeout", p.timeout))
	}
}
