package transport

import "errors"

var (
	// ErrNotConnected is returned when sending on a transport before
	// Connect succeeds or after Disconnect.
	ErrNotConnected = errors.New("transport not connected")

	// ErrClosed is returned when the peer side has gone away.
	ErrClosed = errors.New("transport closed")

	// ErrSendBufferFull is returned when the outbound buffer cannot
	// accept another frame without blocking past the caller's context.
	ErrSendBufferFull = errors.New("transport send buffer full")
)
