// Package health tracks endpoint liveness with periodic probes.
//
// Each registered endpoint is probed on its own schedule. Consecutive
// probe failures walk the endpoint through Healthy, Degraded, and
// Unreachable; a single success snaps it back to Healthy. The Monitor
// satisfies the router's reachability check, so unreachable endpoints
// drop out of routing until they recover.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/stormbus/logging"
)

var (
	// ErrAlreadyRegistered is returned when an endpoint is registered
	// twice.
	ErrAlreadyRegistered = errors.New("endpoint already registered")

	// ErrNotRegistered is returned when deregistering an unknown
	// endpoint.
	ErrNotRegistered = errors.New("endpoint not registered")
)

// Status is an endpoint's liveness classification.
type Status int

const (
	// Healthy means the last probe succeeded.
	Healthy Status = iota
	// Degraded means probes have been failing but not long enough to
	// write the endpoint off.
	Degraded
	// Unreachable means the endpoint has missed enough consecutive
	// probes that routing should avoid it.
	Unreachable
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Prober answers a single liveness probe. A nil error means alive.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Health is a snapshot of one endpoint's state.
type Health struct {
	Status              Status
	ConsecutiveFailures int
	LastChecked         time.Time
	LastLatency         time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeInterval sets the time between probes of each endpoint.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithProbeTimeout bounds how long a single probe may run.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithThresholds sets how many consecutive failures demote an endpoint
// to Degraded, and how many further failures demote it to Unreachable.
func WithThresholds(degraded, unreachable int) Option {
	return func(m *Monitor) {
		if degraded > 0 {
			m.degradedAfter = degraded
		}
		if unreachable > 0 {
			m.unreachableAfter = unreachable
		}
	}
}

// WithLogger sets the monitor's logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

type entry struct {
	prober Prober
	state  Health
	cancel context.CancelFunc
}

// Monitor probes registered endpoints and classifies their health.
type Monitor struct {
	mu        sync.RWMutex
	endpoints map[string]*entry
	started   bool
	stopped   bool

	interval         time.Duration
	timeout          time.Duration
	degradedAfter    int
	unreachableAfter int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	log        logging.Logger
}

// NewMonitor creates a Monitor. Probing starts per endpoint once Start
// is called.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		endpoints:        make(map[string]*entry),
		interval:         5 * time.Second,
		timeout:          2 * time.Second,
		degradedAfter:    3,
		unreachableAfter: 3,
		log:              logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds an endpoint with its prober. Endpoints start Healthy,
// adjusted by the first probe.
func (m *Monitor) Register(endpoint string, prober Prober) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[endpoint]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, endpoint)
	}
	e := &entry{prober: prober, state: Health{Status: Healthy}}
	m.endpoints[endpoint] = e
	if m.started && !m.stopped {
		m.launch(endpoint, e)
	}
	return nil
}

// Deregister stops probing an endpoint and forgets its state.
func (m *Monitor) Deregister(endpoint string) error {
	m.mu.Lock()
	e, ok := m.endpoints[endpoint]
	if ok {
		delete(m.endpoints, endpoint)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, endpoint)
	}
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// Status returns the current snapshot for an endpoint.
func (m *Monitor) Status(endpoint string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[endpoint]
	if !ok {
		return Health{}, false
	}
	return e.state, true
}

// Reachable reports whether routing may use the endpoint. Unknown
// endpoints are considered reachable so registration order does not
// matter.
func (m *Monitor) Reachable(endpoint string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[endpoint]
	if !ok {
		return true
	}
	return e.state.Status != Unreachable
}

// Start begins probing every registered endpoint.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.baseCtx, m.baseCancel = context.WithCancel(ctx)
	for endpoint, e := range m.endpoints {
		m.launch(endpoint, e)
	}
}

// launch starts the probe loop for one endpoint. Callers hold the
// write lock and have checked the monitor is running.
func (m *Monitor) launch(endpoint string, e *entry) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	e.cancel = cancel
	m.wg.Add(1)
	go m.probeLoop(ctx, endpoint)
}

// Stop halts probing and waits for in-flight probes to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.baseCancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context, endpoint string) {
	defer m.wg.Done()

	// First probe immediately so status reflects reality before the
	// first tick.
	m.probeOnce(ctx, endpoint)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, endpoint)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, endpoint string) {
	if ctx.Err() != nil {
		return
	}
	m.mu.RLock()
	e, ok := m.endpoints[endpoint]
	m.mu.RUnlock()
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	start := time.Now()
	err := runProbe(probeCtx, e.prober)
	latency := time.Since(start)
	cancel()

	m.record(endpoint, err, latency)
}

// runProbe executes one probe, converting a panic inside the prober
// into a failure.
func runProbe(ctx context.Context, p Prober) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prober panicked: %v", r)
		}
	}()
	return p.Probe(ctx)
}

// record applies one probe result to the endpoint's state machine.
func (m *Monitor) record(endpoint string, probeErr error, latency time.Duration) {
	m.mu.Lock()
	e, ok := m.endpoints[endpoint]
	if !ok {
		m.mu.Unlock()
		return
	}

	e.state.LastChecked = time.Now()
	e.state.LastLatency = latency

	var prev, next Status
	prev = e.state.Status
	if probeErr == nil {
		e.state.ConsecutiveFailures = 0
		e.state.Status = Healthy
	} else {
		e.state.ConsecutiveFailures++
		switch {
		case e.state.ConsecutiveFailures >= m.degradedAfter+m.unreachableAfter:
			e.state.Status = Unreachable
		case e.state.ConsecutiveFailures >= m.degradedAfter:
			e.state.Status = Degraded
		}
	}
	next = e.state.Status
	failures := e.state.ConsecutiveFailures
	m.mu.Unlock()

	if probeErr != nil {
		m.log.Debug("probe failed",
			zap.String("endpoint", endpoint),
			zap.Int("consecutive_failures", failures),
			zap.Error(probeErr))
	}
	if next != prev {
		m.log.Info("endpoint health changed",
			zap.String("endpoint", endpoint),
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
}
