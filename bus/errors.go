package bus

import (
	"errors"
	"fmt"

	"github.com/dshills/stormbus/correlation"
	"github.com/dshills/stormbus/routing"
)

// Sentinel errors callers branch on. Routing and correlation sentinels
// are re-exported so one errors.Is check works regardless of which
// layer produced the failure.
var (
	// ErrNoRouteFound means no registered pattern matched the routing
	// key. Retrying without registering a route will not help.
	ErrNoRouteFound = routing.ErrNoRouteFound

	// ErrInvalidPattern means a route or subscription pattern failed
	// validation.
	ErrInvalidPattern = routing.ErrInvalidPattern

	// ErrTimeout means a request deadline passed with no response.
	// Retrying may succeed.
	ErrTimeout = correlation.ErrTimeout

	// ErrDeliveryFailed means the message could not be handed to the
	// endpoint. Retrying may succeed.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrEndpointUnreachable means every candidate endpoint is
	// currently unreachable. Retrying may succeed once health
	// recovers.
	ErrEndpointUnreachable = errors.New("endpoint unreachable")

	// ErrShuttingDown means the bus is stopping and accepts no new
	// work.
	ErrShuttingDown = errors.New("bus shutting down")

	// ErrNotStarted means an operation requires Start first.
	ErrNotStarted = errors.New("bus not started")

	// ErrUnknownEndpoint means the endpoint ID is not registered.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrDuplicateEndpoint means the endpoint ID is already
	// registered.
	ErrDuplicateEndpoint = errors.New("endpoint already registered")

	// ErrMessageTooLarge means the payload exceeds the configured
	// maximum.
	ErrMessageTooLarge = errors.New("message too large")
)

// DeliveryError reports which endpoint a message could not be handed
// to, and why.
type DeliveryError struct {
	Endpoint string
	Cause    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %q failed: %v", e.Endpoint, e.Cause)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailed, e.Cause}
}

// UnreachableError reports the endpoint that health monitoring has
// written off.
type UnreachableError struct {
	Endpoint string
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("endpoint %q unreachable", e.Endpoint)
}

func (e *UnreachableError) Unwrap() error { return ErrEndpointUnreachable }
