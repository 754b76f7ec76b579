// Package codec provides interchangeable wire formats for message
// envelopes. The bus encodes an envelope before handing it to a
// transport and decodes inbound frames back into envelopes; payload
// bytes inside the envelope are never interpreted.
package codec

import (
	"errors"

	"github.com/google/uuid"

	"github.com/dshills/stormbus/envelope"
	"github.com/dshills/stormbus/topic"
)

// Sentinel errors for codec operations.
var (
	// ErrFrameTooShort is returned when a frame is truncated.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrBadMagic is returned when a binary frame has an unknown preamble.
	ErrBadMagic = errors.New("bad frame magic")

	// ErrUnsupportedVersion is returned for unknown frame versions.
	ErrUnsupportedVersion = errors.New("unsupported frame version")

	// ErrMalformedFrame is returned when a frame cannot be parsed.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Header holds the envelope metadata a codec can read from a frame
// without materializing the payload.
type Header struct {
	Type          envelope.Type
	CorrelationID uuid.UUID
	RoutingKey    topic.Topic
}

// Codec converts envelopes to and from wire frames.
type Codec interface {
	// Name identifies the format ("json", "binary").
	Name() string

	// Encode serializes an envelope into a frame.
	Encode(env envelope.Envelope) ([]byte, error)

	// Decode reconstructs an envelope from a frame.
	Decode(frame []byte) (envelope.Envelope, error)

	// Peek extracts header metadata from a frame without a full decode.
	// The inbound loop uses it to classify frames cheaply.
	Peek(frame []byte) (Header, error)
}

// Default returns the codec used when none is configured.
func Default() Codec {
	return JSON{}
}
