// Package bus wires the routing, correlation, pub/sub, and health
// subsystems into the message bus the rest of the application talks
// to.
//
// A Bus owns one dispatch queue and worker per registered endpoint, so
// delivery to an endpoint is FIFO while endpoints never block each
// other. Requests are correlated to their responses by envelope
// correlation ID; events fan out to pattern subscribers; health
// probing feeds back into routing so traffic avoids dead endpoints.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/stormbus/codec"
	"github.com/dshills/stormbus/config"
	"github.com/dshills/stormbus/correlation"
	"github.com/dshills/stormbus/envelope"
	"github.com/dshills/stormbus/health"
	"github.com/dshills/stormbus/logging"
	"github.com/dshills/stormbus/pubsub"
	"github.com/dshills/stormbus/routing"
	"github.com/dshills/stormbus/topic"
	"github.com/dshills/stormbus/transport"
)

type state int32

const (
	stateNew state = iota
	stateRunning
	stateShuttingDown
	stateStopped
)

// Stats is a snapshot of bus counters.
type Stats struct {
	Sent             uint64
	Delivered        uint64
	Dropped          uint64
	DeliveryFailures uint64
	Requests         uint64
	Responses        uint64
	Timeouts         uint64
	RouteMisses      uint64
	DecodeErrors     uint64
	EventsPublished  uint64
	EventsDelivered  uint64
	EventsDropped    uint64
	InFlight         int
	Endpoints        int
	Routes           int
	Subscriptions    int
}

type busStats struct {
	sent             atomic.Uint64
	delivered        atomic.Uint64
	dropped          atomic.Uint64
	deliveryFailures atomic.Uint64
	requests         atomic.Uint64
	responses        atomic.Uint64
	timeouts         atomic.Uint64
	routeMisses      atomic.Uint64
	decodeErrors     atomic.Uint64
}

// Bus is the in-process message bus. Construct with New, call Start,
// and Shutdown when done. All methods are safe for concurrent use.
type Bus struct {
	cfg   config.Config
	codec codec.Codec
	log   logging.Logger

	router  *routing.Router
	corr    *correlation.Manager
	hub     *pubsub.Hub
	monitor *health.Monitor

	mu        sync.RWMutex
	endpoints map[string]*endpoint

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	stats busStats

	shutdownOnce sync.Once
	shutdownDrop uint64
}

// New creates a Bus. Subscriptions may be registered immediately;
// endpoints and routes after Start.
func New(opts ...Option) *Bus {
	b := &Bus{
		cfg:       config.Default(),
		codec:     codec.Default(),
		log:       logging.NewNop(),
		endpoints: make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.monitor = health.NewMonitor(
		health.WithProbeInterval(b.cfg.ProbeInterval),
		health.WithProbeTimeout(b.cfg.ProbeTimeout),
		health.WithThresholds(b.cfg.DegradedAfter, b.cfg.UnreachableAfter),
		health.WithLogger(b.log),
	)
	b.router = routing.NewRouter(b.monitor)
	b.hub = pubsub.NewHub(b.log)
	return b
}

// Start brings the bus online. ctx bounds the bus lifetime: when it is
// cancelled the bus stops accepting work, as if Shutdown were called
// with no grace.
func (b *Bus) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(stateNew), int32(stateRunning)) {
		return fmt.Errorf("start: bus already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.corr = correlation.NewManager(
		correlation.WithSweepInterval(b.cfg.SweepInterval),
		correlation.WithLogger(b.log),
	)
	b.monitor.Start(b.ctx)
	b.log.Info("bus started",
		zap.Int("queue_capacity", b.cfg.QueueCapacity),
		zap.Int("workers", b.cfg.Workers),
		zap.String("codec", b.codec.Name()))
	return nil
}

// checkRunning returns the error matching the bus lifecycle state, or
// nil if the bus accepts work.
func (b *Bus) checkRunning() error {
	switch state(b.state.Load()) {
	case stateNew:
		return ErrNotStarted
	case stateRunning:
		return nil
	default:
		return ErrShuttingDown
	}
}

// RegisterEndpoint connects a transport, starts its dispatch queue and
// inbound reader, and begins health probing. A nil prober defaults to
// checking transport connectivity.
func (b *Bus) RegisterEndpoint(id string, tr transport.Transport, prober health.Prober) error {
	if err := b.checkRunning(); err != nil {
		return err
	}

	b.mu.Lock()
	if _, exists := b.endpoints[id]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, id)
	}
	ep := newEndpoint(id, tr, b.cfg.QueueCapacity)
	b.endpoints[id] = ep
	b.mu.Unlock()

	if err := tr.Connect(b.ctx, id); err != nil {
		b.mu.Lock()
		delete(b.endpoints, id)
		b.mu.Unlock()
		return &DeliveryError{Endpoint: id, Cause: err}
	}

	if prober == nil {
		prober = health.ProbeFunc(func(context.Context) error {
			if !tr.IsConnected() {
				return transport.ErrNotConnected
			}
			return nil
		})
	}
	if err := b.monitor.Register(id, prober); err != nil {
		b.log.Warn("health registration failed",
			zap.String("endpoint", id),
			zap.Error(err))
	}

	ep.wg.Add(b.cfg.Workers + 1)
	for i := 0; i < b.cfg.Workers; i++ {
		go b.worker(ep)
	}
	go b.reader(ep)

	b.log.Info("endpoint registered", zap.String("endpoint", id))
	return nil
}

// DeregisterEndpoint removes an endpoint, its routes, and its health
// entry. Frames still queued for it are dropped.
func (b *Bus) DeregisterEndpoint(id string) error {
	b.mu.Lock()
	ep, ok := b.endpoints[id]
	if ok {
		delete(b.endpoints, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}

	removed := b.router.DeregisterEndpoint(id)
	if err := b.monitor.Deregister(id); err != nil && !errors.Is(err, health.ErrNotRegistered) {
		b.log.Warn("health deregistration failed",
			zap.String("endpoint", id),
			zap.Error(err))
	}
	ep.close()
	ep.tr.Disconnect() //nolint:errcheck
	ep.wg.Wait()

	b.log.Info("endpoint deregistered",
		zap.String("endpoint", id),
		zap.Int("routes_removed", removed))
	return nil
}

// RegisterRoute maps a topic pattern to an endpoint at the given
// priority. The endpoint must already be registered.
func (b *Bus) RegisterRoute(pattern topic.Topic, endpointID string, priority int) (routing.Handle, error) {
	b.mu.RLock()
	_, ok := b.endpoints[endpointID]
	b.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}
	return b.router.Register(pattern, endpointID, priority)
}

// DeregisterRoute removes a single route.
func (b *Bus) DeregisterRoute(h routing.Handle) error {
	return b.router.Deregister(h)
}

// Send delivers a fire-and-forget envelope to whichever endpoint its
// routing key resolves to. A full dispatch queue blocks until ctx
// expires.
func (b *Bus) Send(ctx context.Context, env envelope.Envelope) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	if err := b.checkSize(env); err != nil {
		return err
	}

	res, err := b.router.Resolve(env.RoutingKey())
	if err != nil {
		b.stats.routeMisses.Add(1)
		return err
	}
	if res.Degraded {
		// Best effort: the endpoint may still accept the frame even
		// though probes are failing.
		b.log.Warn("sending to unreachable endpoint",
			zap.String("endpoint", res.EndpointID),
			zap.String("topic", env.RoutingKey().String()))
	}
	return b.deliver(ctx, res.EndpointID, env)
}

// Request sends a request envelope and blocks until the matching
// response arrives, the request times out, or ctx is done. The
// deadline is the configured request timeout, tightened by any earlier
// ctx deadline.
func (b *Bus) Request(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	return b.RequestWithTimeout(ctx, env, b.cfg.RequestTimeout)
}

// RequestWithTimeout is Request with an explicit response deadline.
func (b *Bus) RequestWithTimeout(ctx context.Context, env envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	if err := b.checkRunning(); err != nil {
		return envelope.Envelope{}, err
	}
	if err := b.checkSize(env); err != nil {
		return envelope.Envelope{}, err
	}
	if env.MessageType() != envelope.TypeRequest {
		return envelope.Envelope{}, fmt.Errorf("request requires a %s envelope, got %s",
			envelope.TypeRequest, env.MessageType())
	}

	res, err := b.router.Resolve(env.RoutingKey())
	if err != nil {
		b.stats.routeMisses.Add(1)
		return envelope.Envelope{}, err
	}
	if res.Degraded {
		return envelope.Envelope{}, &UnreachableError{Endpoint: res.EndpointID}
	}

	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}

	pending, err := b.corr.Begin(env.CorrelationID(), timeout)
	if err != nil {
		if errors.Is(err, correlation.ErrClosed) {
			return envelope.Envelope{}, ErrShuttingDown
		}
		return envelope.Envelope{}, err
	}
	b.stats.requests.Add(1)

	if err := b.deliver(ctx, res.EndpointID, env); err != nil {
		b.corr.Cancel(env.CorrelationID())
		return envelope.Envelope{}, err
	}

	resp, err := pending.Wait(ctx)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, ErrTimeout):
		b.stats.timeouts.Add(1)
		return envelope.Envelope{}, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		b.corr.Cancel(env.CorrelationID())
		return envelope.Envelope{}, err
	default:
		return envelope.Envelope{}, err
	}
}

// deliver encodes env and enqueues it for the endpoint.
func (b *Bus) deliver(ctx context.Context, endpointID string, env envelope.Envelope) error {
	b.mu.RLock()
	ep, ok := b.endpoints[endpointID]
	b.mu.RUnlock()
	if !ok {
		return &DeliveryError{Endpoint: endpointID, Cause: ErrUnknownEndpoint}
	}

	frame, err := b.codec.Encode(env)
	if err != nil {
		return &DeliveryError{Endpoint: endpointID, Cause: err}
	}
	return b.enqueue(ctx, ep, frame)
}

// Publish fans an event out to every matching subscriber, never
// blocking on slow ones. It returns how many subscribers received the
// event.
func (b *Bus) Publish(env envelope.Envelope) (int, error) {
	if err := b.checkRunning(); err != nil {
		return 0, err
	}
	if err := b.checkSize(env); err != nil {
		return 0, err
	}
	n, err := b.hub.Publish(env.RoutingKey(), env)
	if errors.Is(err, pubsub.ErrClosed) {
		return 0, ErrShuttingDown
	}
	return n, err
}

// Subscribe registers interest in every topic matching pattern. The
// default channel buffer comes from configuration; override with
// pubsub.WithBuffer.
func (b *Bus) Subscribe(pattern topic.Topic, opts ...pubsub.SubOption) (*pubsub.Subscription, error) {
	if !pattern.IsValid() {
		return nil, &routing.PatternError{Pattern: pattern, Reason: "empty segment or misplaced wildcard"}
	}
	all := append([]pubsub.SubOption{pubsub.WithBuffer(b.cfg.SubscribeBuffer)}, opts...)
	sub, err := b.hub.Subscribe(pattern, all...)
	if errors.Is(err, pubsub.ErrClosed) {
		return nil, ErrShuttingDown
	}
	return sub, err
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id pubsub.SubID) bool {
	return b.hub.Unsubscribe(id)
}

// Health returns the monitor snapshot for an endpoint.
func (b *Bus) Health(endpointID string) (health.Health, bool) {
	return b.monitor.Status(endpointID)
}

// checkSize rejects payloads above the configured maximum.
func (b *Bus) checkSize(env envelope.Envelope) error {
	if b.cfg.MaxMessageSize > 0 && env.PayloadSize() > b.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds limit %d",
			ErrMessageTooLarge, env.PayloadSize(), b.cfg.MaxMessageSize)
	}
	return nil
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	published, delivered, dropped := b.hub.Stats()
	b.mu.RLock()
	endpoints := len(b.endpoints)
	b.mu.RUnlock()

	inflight := 0
	if b.corr != nil {
		inflight = b.corr.InFlight()
	}
	return Stats{
		Sent:             b.stats.sent.Load(),
		Delivered:        b.stats.delivered.Load(),
		Dropped:          b.stats.dropped.Load(),
		DeliveryFailures: b.stats.deliveryFailures.Load(),
		Requests:         b.stats.requests.Load(),
		Responses:        b.stats.responses.Load(),
		Timeouts:         b.stats.timeouts.Load(),
		RouteMisses:      b.stats.routeMisses.Load(),
		DecodeErrors:     b.stats.decodeErrors.Load(),
		EventsPublished:  published,
		EventsDelivered:  delivered,
		EventsDropped:    dropped,
		InFlight:         inflight,
		Endpoints:        endpoints,
		Routes:           b.router.Routes(),
		Subscriptions:    b.hub.Subscribers(),
	}
}

// Shutdown stops the bus. New work is rejected immediately; queued
// frames and in-flight requests get the grace period to finish.
// Requests whose responses arrive inside the window complete normally,
// stragglers fail with ErrShuttingDown, and whatever is still queued
// after the window is dropped. The returned count is how many messages
// were dropped during shutdown.
func (b *Bus) Shutdown(grace time.Duration) (uint64, error) {
	if state(b.state.Load()) == stateNew {
		return 0, ErrNotStarted
	}

	b.shutdownOnce.Do(func() {
		b.state.Store(int32(stateShuttingDown))
		droppedBefore := b.stats.dropped.Load()
		b.log.Info("bus shutting down", zap.Duration("grace", grace))

		b.waitForDrain(grace)

		b.cancel()
		b.corr.Close(ErrShuttingDown)
		b.monitor.Stop()
		b.hub.Close()

		b.mu.Lock()
		eps := make([]*endpoint, 0, len(b.endpoints))
		for _, ep := range b.endpoints {
			eps = append(eps, ep)
		}
		b.endpoints = make(map[string]*endpoint)
		b.mu.Unlock()

		for _, ep := range eps {
			ep.close()
			ep.tr.Disconnect() //nolint:errcheck
			ep.wg.Wait()
		}

		b.state.Store(int32(stateStopped))
		b.shutdownDrop = b.stats.dropped.Load() - droppedBefore
		b.log.Info("bus stopped", zap.Uint64("dropped", b.shutdownDrop))
	})
	return b.shutdownDrop, nil
}

// waitForDrain blocks until every endpoint queue is empty and no
// requests are awaiting responses, or the grace period elapses.
// Workers and readers stay alive during the wait, so responses that
// arrive inside the window still complete their requests.
func (b *Bus) waitForDrain(grace time.Duration) {
	if grace <= 0 {
		return
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()

	for {
		b.mu.RLock()
		queued := int64(0)
		for _, ep := range b.endpoints {
			queued += ep.pending.Load()
		}
		b.mu.RUnlock()
		if queued == 0 && b.corr.InFlight() == 0 {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
