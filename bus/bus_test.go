package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/stormbus/codec"
	"github.com/dshills/stormbus/config"
	"github.com/dshills/stormbus/envelope"
	"github.com/dshills/stormbus/health"
	"github.com/dshills/stormbus/transport"
)

// startBus creates and starts a bus with fast timings for tests.
func startBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	cfg := config.Default()
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.ProbeTimeout = 50 * time.Millisecond
	cfg.DegradedAfter = 1
	cfg.UnreachableAfter = 1
	cfg.SweepInterval = 10 * time.Millisecond
	all := append([]Option{
		WithConfig(cfg),
		WithRequestTimeout(500 * time.Millisecond),
		WithQueueCapacity(16),
	}, opts...)
	b := New(all...)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { b.Shutdown(time.Second) })
	return b
}

// attachEndpoint registers an endpoint backed by an in-memory pipe and
// returns the peer half the test drives.
func attachEndpoint(t *testing.T, b *Bus, id string) *transport.Pipe {
	t.Helper()
	busSide, peer := transport.NewPipe(16)
	if err := peer.Connect(context.Background(), id); err != nil {
		t.Fatalf("peer Connect() error = %v", err)
	}
	if err := b.RegisterEndpoint(id, busSide, nil); err != nil {
		t.Fatalf("RegisterEndpoint(%q) error = %v", id, err)
	}
	return peer
}

// echoResponder replies to every incoming frame with a response
// carrying the given payload.
func echoResponder(t *testing.T, peer *transport.Pipe, payload []byte) {
	t.Helper()
	go func() {
		for frame := range peer.Receive() {
			reply, err := codec.JSON{}.ReplyFrame(frame, payload)
			if err != nil {
				continue
			}
			_ = peer.Send(context.Background(), reply)
		}
	}()
}

func TestBus_RequestResponse(t *testing.T) {
	b := startBus(t)
	peer := attachEndpoint(t, b, "editor")
	if _, err := b.RegisterRoute("editor.**", "editor", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}
	echoResponder(t, peer, []byte(`{"ok":true}`))

	req := envelope.New(envelope.TypeRequest, "editor.buffer.open", []byte(`{"path":"main.go"}`))
	resp, err := b.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp.MessageType() != envelope.TypeResponse {
		t.Errorf("type = %v, want %v", resp.MessageType(), envelope.TypeResponse)
	}
	if resp.CorrelationID() != req.CorrelationID() {
		t.Error("response correlation id does not match request")
	}
	if string(resp.Payload()) != `{"ok":true}` {
		t.Errorf("payload = %q, want %q", resp.Payload(), `{"ok":true}`)
	}

	stats := b.Stats()
	if stats.Requests != 1 || stats.Responses != 1 {
		t.Errorf("stats requests/responses = %d/%d, want 1/1", stats.Requests, stats.Responses)
	}
	if stats.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", stats.InFlight)
	}
}

func TestBus_RequestTimeout(t *testing.T) {
	b := startBus(t, WithRequestTimeout(50*time.Millisecond))
	attachEndpoint(t, b, "silent")
	if _, err := b.RegisterRoute("svc.*", "silent", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	req := envelope.New(envelope.TypeRequest, "svc.op", nil)
	_, err := b.Request(context.Background(), req)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Request() error = %v, want ErrTimeout", err)
	}
	if got := b.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}

	// Explicit per-request deadline overrides the default.
	start := time.Now()
	_, err = b.RequestWithTimeout(context.Background(),
		envelope.New(envelope.TypeRequest, "svc.op", nil), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("RequestWithTimeout() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("RequestWithTimeout took %s, want well under the 500ms default", elapsed)
	}
}

func TestBus_NoRoute(t *testing.T) {
	b := startBus(t)
	env := envelope.New(envelope.TypeNotification, "nowhere.to.go", nil)
	if err := b.Send(context.Background(), env); !errors.Is(err, ErrNoRouteFound) {
		t.Errorf("Send() error = %v, want ErrNoRouteFound", err)
	}
	req := envelope.New(envelope.TypeRequest, "nowhere.to.go", nil)
	if _, err := b.Request(context.Background(), req); !errors.Is(err, ErrNoRouteFound) {
		t.Errorf("Request() error = %v, want ErrNoRouteFound", err)
	}
	if got := b.Stats().RouteMisses; got != 2 {
		t.Errorf("RouteMisses = %d, want 2", got)
	}
}

func TestBus_RegisterRouteUnknownEndpoint(t *testing.T) {
	b := startBus(t)
	if _, err := b.RegisterRoute("a.*", "ghost", 0); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("RegisterRoute() error = %v, want ErrUnknownEndpoint", err)
	}

	attachEndpoint(t, b, "real")
	if _, err := b.RegisterRoute("a.*", "real", 0); err != nil {
		t.Fatalf("RegisterRoute() to registered endpoint error = %v", err)
	}
}

func TestBus_PriorityRouting(t *testing.T) {
	b := startBus(t)
	primary := attachEndpoint(t, b, "primary")
	backup := attachEndpoint(t, b, "backup")
	if _, err := b.RegisterRoute("task.*", "backup", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}
	if _, err := b.RegisterRoute("task.*", "primary", 10); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	env := envelope.New(envelope.TypeNotification, "task.run", nil)
	if err := b.Send(context.Background(), env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case <-primary.Receive():
	case <-backup.Receive():
		t.Fatal("lower priority endpoint received the message")
	case <-time.After(time.Second):
		t.Fatal("no endpoint received the message")
	}
}

func TestBus_PerEndpointFIFO(t *testing.T) {
	b := startBus(t)
	peer := attachEndpoint(t, b, "sink")
	if _, err := b.RegisterRoute("seq.*", "sink", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		env := envelope.New(envelope.TypeNotification, "seq.item", []byte(fmt.Sprintf("%d", i)))
		if err := b.Send(context.Background(), env); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case frame := <-peer.Receive():
			env, err := codec.JSON{}.Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if string(env.Payload()) != fmt.Sprintf("%d", i) {
				t.Fatalf("message %d arrived out of order: payload %q", i, env.Payload())
			}
		case <-time.After(time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestBus_PubSub(t *testing.T) {
	b := startBus(t)
	sub, err := b.Subscribe("diag.**")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	env := envelope.New(envelope.TypeEvent, "diag.lsp.published", []byte(`[]`))
	n, err := b.Publish(env)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}

	select {
	case got := <-sub.C():
		if got.ID() != env.ID() {
			t.Error("subscriber received wrong envelope")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	if !b.Unsubscribe(sub.ID()) {
		t.Error("Unsubscribe() = false, want true")
	}
}

func TestBus_InboundEventReachesSubscribers(t *testing.T) {
	b := startBus(t)
	peer := attachEndpoint(t, b, "emitter")
	sub, err := b.Subscribe("build.*")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	env := envelope.New(envelope.TypeEvent, "build.finished", []byte(`{"status":"ok"}`))
	frame, err := codec.JSON{}.Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := peer.Send(context.Background(), frame); err != nil {
		t.Fatalf("peer Send() error = %v", err)
	}

	select {
	case got := <-sub.C():
		if got.RoutingKey() != "build.finished" {
			t.Errorf("topic = %q, want %q", got.RoutingKey(), "build.finished")
		}
	case <-time.After(time.Second):
		t.Fatal("event from endpoint never reached subscriber")
	}
}

func TestBus_EndpointToEndpointForwarding(t *testing.T) {
	b := startBus(t)
	source := attachEndpoint(t, b, "source")
	sink := attachEndpoint(t, b, "sink")
	if _, err := b.RegisterRoute("fmt.*", "sink", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	env := envelope.New(envelope.TypeNotification, "fmt.file", []byte(`{"path":"x.go"}`))
	frame, err := codec.JSON{}.Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := source.Send(context.Background(), frame); err != nil {
		t.Fatalf("source Send() error = %v", err)
	}

	select {
	case got := <-sink.Receive():
		decoded, err := codec.JSON{}.Decode(got)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if decoded.ID() != env.ID() {
			t.Error("sink received a different envelope")
		}
	case <-time.After(time.Second):
		t.Fatal("frame was not forwarded to the routed endpoint")
	}
}

func TestBus_UnreachableEndpointFailsFast(t *testing.T) {
	b := startBus(t)
	busSide, peer := transport.NewPipe(4)
	peer.Connect(context.Background(), "flaky")

	down := health.ProbeFunc(func(context.Context) error {
		return errors.New("down")
	})
	if err := b.RegisterEndpoint("flaky", busSide, down); err != nil {
		t.Fatalf("RegisterEndpoint() error = %v", err)
	}
	if _, err := b.RegisterRoute("flaky.*", "flaky", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	// Force the endpoint unreachable by waiting out the probe cycle.
	deadline := time.After(5 * time.Second)
	for {
		if h, ok := b.Health("flaky"); ok && h.Status == health.Unreachable {
			break
		}
		select {
		case <-deadline:
			t.Skip("probe cycle too slow for this environment")
		case <-time.After(10 * time.Millisecond):
		}
	}

	req := envelope.New(envelope.TypeRequest, "flaky.op", nil)
	_, err := b.Request(context.Background(), req)
	if !errors.Is(err, ErrEndpointUnreachable) {
		t.Fatalf("Request() error = %v, want ErrEndpointUnreachable", err)
	}
	var ue *UnreachableError
	if !errors.As(err, &ue) {
		t.Fatal("error is not *UnreachableError")
	}
	if ue.Endpoint != "flaky" {
		t.Errorf("Endpoint = %q, want %q", ue.Endpoint, "flaky")
	}
}

func TestBus_MessageTooLarge(t *testing.T) {
	b := startBus(t, WithMaxMessageSize(8))
	attachEndpoint(t, b, "ep")
	if _, err := b.RegisterRoute("a.*", "ep", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	env := envelope.New(envelope.TypeNotification, "a.b", make([]byte, 64))
	if err := b.Send(context.Background(), env); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Send() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestBus_NotStarted(t *testing.T) {
	b := New()
	env := envelope.New(envelope.TypeNotification, "a.b", nil)
	if err := b.Send(context.Background(), env); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Send() error = %v, want ErrNotStarted", err)
	}
	if _, err := b.Shutdown(0); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Shutdown() error = %v, want ErrNotStarted", err)
	}
}

func TestBus_DeregisterEndpoint(t *testing.T) {
	b := startBus(t)
	attachEndpoint(t, b, "gone")
	if _, err := b.RegisterRoute("g.*", "gone", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	if err := b.DeregisterEndpoint("gone"); err != nil {
		t.Fatalf("DeregisterEndpoint() error = %v", err)
	}
	if err := b.DeregisterEndpoint("gone"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("second DeregisterEndpoint() error = %v, want ErrUnknownEndpoint", err)
	}

	// Cascade removed the endpoint's routes.
	env := envelope.New(envelope.TypeNotification, "g.x", nil)
	if err := b.Send(context.Background(), env); !errors.Is(err, ErrNoRouteFound) {
		t.Errorf("Send() after deregister error = %v, want ErrNoRouteFound", err)
	}
}

func TestBus_ShutdownDrainsThenDrops(t *testing.T) {
	b := New(WithQueueCapacity(8), WithRequestTimeout(time.Second))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Small pipe, nobody reading: the worker wedges on a full
	// transport and the queue backs up.
	busSide, peer := transport.NewPipe(1)
	peer.Connect(context.Background(), "stuck")
	if err := b.RegisterEndpoint("stuck", busSide, nil); err != nil {
		t.Fatalf("RegisterEndpoint() error = %v", err)
	}
	if _, err := b.RegisterRoute("s.*", "stuck", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	sent := 0
	for i := 0; i < 12; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := b.Send(ctx, envelope.New(envelope.TypeNotification, "s.x", nil))
		cancel()
		if err != nil {
			break
		}
		sent++
	}
	if sent == 0 {
		t.Fatal("no messages were accepted")
	}

	dropped, err := b.Shutdown(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if dropped == 0 {
		t.Error("dropped = 0, want > 0 for a wedged endpoint")
	}

	// The bus rejects work after shutdown.
	if err := b.Send(context.Background(), envelope.New(envelope.TypeNotification, "s.x", nil)); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Send() after shutdown error = %v, want ErrShuttingDown", err)
	}
	if _, err := b.Subscribe("s.*"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Subscribe() after shutdown error = %v, want ErrShuttingDown", err)
	}

	// Idempotent, same answer.
	again, err := b.Shutdown(0)
	if err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
	if again != dropped {
		t.Errorf("second Shutdown() = %d, want %d", again, dropped)
	}
}

func TestBus_ShutdownGraceCompletesInFlightRequests(t *testing.T) {
	b := New(WithRequestTimeout(2 * time.Second))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	peer := attachEndpointStandalone(t, b, "svc")
	if _, err := b.RegisterRoute("svc.*", "svc", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	// The responder delays each reply by the duration named in the
	// request payload.
	go func() {
		for frame := range peer.Receive() {
			go func(f []byte) {
				env, err := codec.JSON{}.Decode(f)
				if err != nil {
					return
				}
				delay, err := time.ParseDuration(string(env.Payload()))
				if err != nil {
					return
				}
				time.Sleep(delay)
				reply, err := codec.JSON{}.ReplyFrame(f, []byte(`{}`))
				if err != nil {
					return
				}
				_ = peer.Send(context.Background(), reply)
			}(frame)
		}
	}()

	fast := make(chan error, 1)
	slow := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(),
			envelope.New(envelope.TypeRequest, "svc.op", []byte("50ms")))
		fast <- err
	}()
	go func() {
		_, err := b.Request(context.Background(),
			envelope.New(envelope.TypeRequest, "svc.op", []byte("10s")))
		slow <- err
	}()

	// Let both requests reach the endpoint before shutting down.
	time.Sleep(20 * time.Millisecond)
	if _, err := b.Shutdown(400 * time.Millisecond); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// The response due inside the grace window completes normally.
	if err := <-fast; err != nil {
		t.Errorf("request due inside the grace window failed: %v", err)
	}
	// The straggler is resolved as a shutdown, not a timeout or a
	// generic cancel.
	if err := <-slow; !errors.Is(err, ErrShuttingDown) {
		t.Errorf("straggler error = %v, want ErrShuttingDown", err)
	}
}

func TestBus_CleanShutdownDropsNothing(t *testing.T) {
	b := New(WithQueueCapacity(8))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	peer := attachEndpointStandalone(t, b, "drain")
	if _, err := b.RegisterRoute("d.*", "drain", 0); err != nil {
		t.Fatalf("RegisterRoute() error = %v", err)
	}

	// Peer drains everything it receives.
	go func() {
		for range peer.Receive() {
		}
	}()

	for i := 0; i < 10; i++ {
		if err := b.Send(context.Background(), envelope.New(envelope.TypeNotification, "d.x", nil)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	dropped, err := b.Shutdown(time.Second)
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0 when the queue drains in time", dropped)
	}
}

// attachEndpointStandalone is attachEndpoint for buses that manage
// their own shutdown inside the test.
func attachEndpointStandalone(t *testing.T, b *Bus, id string) *transport.Pipe {
	t.Helper()
	busSide, peer := transport.NewPipe(16)
	if err := peer.Connect(context.Background(), id); err != nil {
		t.Fatalf("peer Connect() error = %v", err)
	}
	if err := b.RegisterEndpoint(id, busSide, nil); err != nil {
		t.Fatalf("RegisterEndpoint(%q) error = %v", id, err)
	}
	return peer
}
