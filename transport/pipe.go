package transport

import (
	"context"
	"sync"
)

// Pipe is one half of an in-memory duplex connection. Frames sent on
// one half arrive on the other half's receive channel. It is the
// transport used by in-process endpoints and by tests.
type Pipe struct {
	mu        sync.Mutex
	connected bool

	send chan []byte
	recv chan []byte

	done      chan struct{}
	closeOnce *sync.Once
}

// NewPipe creates a connected pair of pipe halves, each buffering up to
// buffer frames in flight. Both halves still require Connect before
// they accept traffic.
func NewPipe(buffer int) (*Pipe, *Pipe) {
	if buffer < 1 {
		buffer = 1
	}
	aToB := make(chan []byte, buffer)
	bToA := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &Pipe{send: aToB, recv: make(chan []byte, buffer), done: done, closeOnce: once}
	b := &Pipe{send: bToA, recv: make(chan []byte, buffer), done: done, closeOnce: once}
	go forward(bToA, a.recv, done)
	go forward(aToB, b.recv, done)
	return a, b
}

// forward copies frames from src to dst until done closes, then closes
// dst so receivers observe the disconnect.
func forward(src <-chan []byte, dst chan<- []byte, done <-chan struct{}) {
	defer close(dst)
	for {
		select {
		case <-done:
			return
		case frame := <-src:
			select {
			case dst <- frame:
			case <-done:
				return
			}
		}
	}
}

// Connect implements Transport. The address is ignored; pipe halves are
// wired at construction.
func (p *Pipe) Connect(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.connected = true
	return nil
}

// Send implements Transport. The frame is copied, so the caller may
// reuse its buffer.
func (p *Pipe) Send(ctx context.Context, frame []byte) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.send <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Transport.
func (p *Pipe) Receive() <-chan []byte {
	return p.recv
}

// IsConnected implements Transport.
func (p *Pipe) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Disconnect implements Transport. Disconnecting either half tears down
// both directions.
func (p *Pipe) Disconnect() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}
