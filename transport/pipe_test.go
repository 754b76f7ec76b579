package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipe_SendReceive(t *testing.T) {
	a, b := NewPipe(4)
	ctx := context.Background()
	if err := a.Connect(ctx, ""); err != nil {
		t.Fatalf("Connect(a) error = %v", err)
	}
	if err := b.Connect(ctx, ""); err != nil {
		t.Fatalf("Connect(b) error = %v", err)
	}

	if err := a.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case frame := <-b.Receive():
		if string(frame) != "hello" {
			t.Errorf("received %q, want %q", frame, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestPipe_SendBeforeConnect(t *testing.T) {
	a, _ := NewPipe(1)
	err := a.Send(context.Background(), []byte("x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestPipe_FrameIsolation(t *testing.T) {
	a, b := NewPipe(1)
	ctx := context.Background()
	a.Connect(ctx, "")
	b.Connect(ctx, "")

	buf := []byte("abc")
	if err := a.Send(ctx, buf); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	buf[0] = 'z'

	select {
	case frame := <-b.Receive():
		if string(frame) != "abc" {
			t.Errorf("received %q, want %q", frame, "abc")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestPipe_Disconnect(t *testing.T) {
	a, b := NewPipe(1)
	ctx := context.Background()
	a.Connect(ctx, "")
	b.Connect(ctx, "")

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if a.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if b.IsConnected() {
		t.Error("peer IsConnected() = true after Disconnect")
	}

	err := b.Send(ctx, []byte("x"))
	if !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after peer disconnect error = %v", err)
	}

	select {
	case _, ok := <-b.Receive():
		if ok {
			t.Error("receive channel delivered a frame after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("receive channel not closed after disconnect")
	}

	// Idempotent.
	if err := a.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestPipe_SendContextCancelled(t *testing.T) {
	a, b := NewPipe(1)
	ctx := context.Background()
	a.Connect(ctx, "")
	b.Connect(ctx, "")

	// Fill the buffer and the forwarder so the next send blocks.
	for i := 0; i < 8; i++ {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		err := a.Send(sendCtx, []byte("fill"))
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Send() error = %v, want DeadlineExceeded", err)
			}
			return
		}
	}
	t.Fatal("send never blocked on a full pipe")
}
