package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dshills/stormbus/envelope"
	"github.com/dshills/stormbus/topic"
	"github.com/dshills/stormbus/transport"
)

// endpoint is the bus-side representation of one registered component:
// its transport, its bounded dispatch queue, and the goroutines that
// drain the queue and read inbound frames.
type endpoint struct {
	id    string
	tr    transport.Transport
	queue chan []byte

	// pending counts frames accepted into the queue but not yet
	// handed to the transport. Shutdown waits for it to reach zero.
	pending atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newEndpoint(id string, tr transport.Transport, capacity int) *endpoint {
	return &endpoint{
		id:    id,
		tr:    tr,
		queue: make(chan []byte, capacity),
		done:  make(chan struct{}),
	}
}

func (e *endpoint) close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// enqueue places a frame on the endpoint's dispatch queue. A full
// queue applies backpressure: the call blocks until space frees, ctx
// expires, or the bus stops.
func (b *Bus) enqueue(ctx context.Context, ep *endpoint, frame []byte) error {
	ep.pending.Add(1)
	select {
	case ep.queue <- frame:
		b.stats.sent.Add(1)
		return nil
	case <-ctx.Done():
		ep.pending.Add(-1)
		return &DeliveryError{Endpoint: ep.id, Cause: ctx.Err()}
	case <-ep.done:
		ep.pending.Add(-1)
		return &DeliveryError{Endpoint: ep.id, Cause: ErrUnknownEndpoint}
	case <-b.ctx.Done():
		ep.pending.Add(-1)
		return ErrShuttingDown
	}
}

// drainQueue discards whatever is still queued, counting each frame as
// dropped.
func (b *Bus) drainQueue(ep *endpoint) {
	for {
		select {
		case <-ep.queue:
			b.stats.dropped.Add(1)
			ep.pending.Add(-1)
		default:
			return
		}
	}
}

// worker drains the dispatch queue in order. When the bus or the
// endpoint stops, anything still queued is counted as dropped.
func (b *Bus) worker(ep *endpoint) {
	defer ep.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			b.drainQueue(ep)
			return
		case <-ep.done:
			b.drainQueue(ep)
			return
		case frame := <-ep.queue:
			if err := ep.tr.Send(b.ctx, frame); err != nil {
				b.stats.deliveryFailures.Add(1)
				b.log.Warn("endpoint send failed",
					zap.String("endpoint", ep.id),
					zap.Error(err))
			} else {
				b.stats.delivered.Add(1)
			}
			ep.pending.Add(-1)
		}
	}
}

// reader consumes inbound frames from the endpoint's transport until
// the transport or the bus shuts down.
func (b *Bus) reader(ep *endpoint) {
	defer ep.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ep.done:
			return
		case frame, ok := <-ep.tr.Receive():
			if !ok {
				return
			}
			b.dispatchInbound(ep, frame)
		}
	}
}

// dispatchInbound classifies one inbound frame by its header and
// routes it: responses complete pending requests, events fan out to
// subscribers, requests and notifications are forwarded to whichever
// endpoint their routing key resolves to.
func (b *Bus) dispatchInbound(ep *endpoint, frame []byte) {
	hdr, err := b.codec.Peek(frame)
	if err != nil {
		b.stats.decodeErrors.Add(1)
		b.log.Warn("discarding undecodable frame",
			zap.String("endpoint", ep.id),
			zap.Error(err))
		return
	}

	switch hdr.Type {
	case envelope.TypeResponse:
		env, err := b.codec.Decode(frame)
		if err != nil {
			b.stats.decodeErrors.Add(1)
			b.log.Warn("discarding malformed response",
				zap.String("endpoint", ep.id),
				zap.Error(err))
			return
		}
		if b.corr.Resolve(hdr.CorrelationID, env) {
			b.stats.responses.Add(1)
		}

	case envelope.TypeEvent:
		env, err := b.codec.Decode(frame)
		if err != nil {
			b.stats.decodeErrors.Add(1)
			return
		}
		b.hub.Publish(env.RoutingKey(), env) //nolint:errcheck // closed hub only during shutdown

	case envelope.TypeErrorReport:
		env, err := b.codec.Decode(frame)
		if err != nil {
			b.stats.decodeErrors.Add(1)
			return
		}
		b.log.Error("endpoint reported error",
			zap.String("endpoint", ep.id),
			zap.String("topic", env.RoutingKey().String()),
			zap.ByteString("detail", env.Payload()))
		b.hub.Publish(env.RoutingKey(), env) //nolint:errcheck

	case envelope.TypeRequest, envelope.TypeNotification:
		b.forward(ep, hdr.RoutingKey, frame)

	case envelope.TypeHealthCheck:
		b.log.Debug("health check frame received",
			zap.String("endpoint", ep.id))

	default:
		b.stats.decodeErrors.Add(1)
		b.log.Warn("frame with unknown message type",
			zap.String("endpoint", ep.id),
			zap.Int("type", int(hdr.Type)))
	}
}

// forward routes an inbound request or notification frame from one
// endpoint to another.
func (b *Bus) forward(from *endpoint, key topic.Topic, frame []byte) {
	res, err := b.router.Resolve(key)
	if err != nil {
		b.stats.routeMisses.Add(1)
		b.log.Warn("no route for inbound frame",
			zap.String("from", from.id),
			zap.String("topic", key.String()))
		return
	}

	b.mu.RLock()
	dest, ok := b.endpoints[res.EndpointID]
	b.mu.RUnlock()
	if !ok {
		b.stats.routeMisses.Add(1)
		return
	}
	if err := b.enqueue(b.ctx, dest, frame); err != nil {
		b.log.Warn("forwarding failed",
			zap.String("from", from.id),
			zap.String("to", dest.id),
			zap.Error(err))
	}
}
