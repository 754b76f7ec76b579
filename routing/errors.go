package routing

import (
	"errors"
	"fmt"

	"github.com/dshills/stormbus/topic"
)

var (
	// ErrNoRouteFound is returned when no registered pattern matches a
	// routing key.
	ErrNoRouteFound = errors.New("no route found")

	// ErrInvalidPattern is returned when a registration pattern fails
	// validation.
	ErrInvalidPattern = errors.New("invalid routing pattern")

	// ErrUnknownHandle is returned when deregistering a handle that was
	// never issued or was already removed.
	ErrUnknownHandle = errors.New("unknown route handle")
)

// NoRouteError reports the routing key that matched nothing.
type NoRouteError struct {
	Key topic.Topic
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route found for %q", e.Key)
}

func (e *NoRouteError) Unwrap() error { return ErrNoRouteFound }

// PatternError reports the pattern that failed validation.
type PatternError struct {
	Pattern topic.Topic
	Reason  string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid routing pattern %q: %s", e.Pattern, e.Reason)
}

func (e *PatternError) Unwrap() error { return ErrInvalidPattern }
