// Package transport defines the frame-oriented connection the bus uses
// to reach an endpoint, and provides an in-memory implementation for
// endpoints living in the same process.
package transport

import "context"

// Transport moves opaque frames between the bus and a single endpoint.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect establishes the connection. Address interpretation is
	// implementation specific.
	Connect(ctx context.Context, address string) error

	// Send delivers one frame. It blocks until the frame is accepted,
	// the context is done, or the transport fails.
	Send(ctx context.Context, frame []byte) error

	// Receive returns the channel of inbound frames. The channel is
	// closed when the transport disconnects.
	Receive() <-chan []byte

	// IsConnected reports whether the transport is usable.
	IsConnected() bool

	// Disconnect tears the connection down and closes the receive
	// channel. It is safe to call more than once.
	Disconnect() error
}
