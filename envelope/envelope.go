package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stormbus/topic"
)

// Type classifies a message for routing.
type Type int

const (
	// TypeRequest expects a correlated response.
	TypeRequest Type = iota

	// TypeResponse resolves a pending request by correlation ID.
	TypeResponse

	// TypeNotification is a one-way message to a routed endpoint.
	TypeNotification

	// TypeEvent is fanned out through the pub/sub hub.
	TypeEvent

	// TypeHealthCheck is a liveness probe message.
	TypeHealthCheck

	// TypeErrorReport carries an error from an endpoint.
	TypeErrorReport
)

// String returns a human-readable type name.
func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotification:
		return "notification"
	case TypeEvent:
		return "event"
	case TypeHealthCheck:
		return "health_check"
	case TypeErrorReport:
		return "error_report"
	default:
		return "unknown"
	}
}

// Envelope is an immutable message carrier. It holds header metadata and
// an opaque payload; the bus never interprets payload bytes.
//
// Envelopes are passed by value. The payload is copied on construction and
// on access so no two holders share mutable state.
type Envelope struct {
	id            uuid.UUID
	msgType       Type
	correlationID uuid.UUID
	routingKey    topic.Topic
	payload       []byte
	createdAt     time.Time
}

// Option configures an envelope at construction time.
type Option func(*Envelope)

// WithID sets an explicit envelope ID instead of a generated one.
func WithID(id uuid.UUID) Option {
	return func(e *Envelope) {
		e.id = id
	}
}

// WithCorrelationID sets the correlation ID linking a request to its response.
func WithCorrelationID(id uuid.UUID) Option {
	return func(e *Envelope) {
		e.correlationID = id
	}
}

// WithCreatedAt sets an explicit creation timestamp.
// Used when reconstructing an envelope from the wire.
func WithCreatedAt(ts time.Time) Option {
	return func(e *Envelope) {
		e.createdAt = ts
	}
}

// New creates an envelope. A fresh ID and correlation ID are generated
// unless overridden by options; the payload is copied.
func New(msgType Type, routingKey topic.Topic, payload []byte, opts ...Option) Envelope {
	e := Envelope{
		id:            uuid.New(),
		msgType:       msgType,
		correlationID: uuid.New(),
		routingKey:    routingKey,
		payload:       clone(payload),
		createdAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Reply creates a response envelope correlated to this one.
// The routing key is preserved so the response can be traced to its origin.
func (e Envelope) Reply(payload []byte) Envelope {
	return New(TypeResponse, e.routingKey, payload, WithCorrelationID(e.correlationID))
}

// ID returns the unique envelope identifier.
func (e Envelope) ID() uuid.UUID {
	return e.id
}

// MessageType returns the envelope's message type.
func (e Envelope) MessageType() Type {
	return e.msgType
}

// CorrelationID returns the request/response correlation identifier.
func (e Envelope) CorrelationID() uuid.UUID {
	return e.correlationID
}

// RoutingKey returns the key matched against registered route patterns.
func (e Envelope) RoutingKey() topic.Topic {
	return e.routingKey
}

// Payload returns a copy of the opaque payload bytes.
func (e Envelope) Payload() []byte {
	return clone(e.payload)
}

// PayloadSize returns the payload length without copying.
func (e Envelope) PayloadSize() int {
	return len(e.payload)
}

// CreatedAt returns the envelope creation timestamp.
func (e Envelope) CreatedAt() time.Time {
	return e.createdAt
}

// IsZero returns true for the zero-value envelope.
func (e Envelope) IsZero() bool {
	return e.id == uuid.Nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// wire is the serialized envelope layout.
type wire struct {
	ID            uuid.UUID   `json:"id"`
	Type          Type        `json:"message_type"`
	CorrelationID uuid.UUID   `json:"correlation_id"`
	RoutingKey    topic.Topic `json:"routing_key"`
	Payload       []byte      `json:"payload,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{
		ID:            e.id,
		Type:          e.msgType,
		CorrelationID: e.correlationID,
		RoutingKey:    e.routingKey,
		Payload:       e.payload,
		CreatedAt:     e.createdAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.id = w.ID
	e.msgType = w.Type
	e.correlationID = w.CorrelationID
	e.routingKey = w.RoutingKey
	e.payload = w.Payload
	e.createdAt = w.CreatedAt
	return nil
}
