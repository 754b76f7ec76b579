package codec

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/stormbus/envelope"
	"github.com/dshills/stormbus/topic"
)

// JSON encodes envelopes as JSON objects. It is the default format:
// self-describing, debuggable, and readable by non-Go endpoints.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string {
	return "json"
}

// Encode implements Codec.
func (JSON) Encode(env envelope.Envelope) ([]byte, error) {
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return frame, nil
}

// Decode implements Codec.
func (JSON) Decode(frame []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// Peek implements Codec. The header fields are extracted with gjson so
// large payloads are never materialized on the classification path.
func (JSON) Peek(frame []byte) (Header, error) {
	if !gjson.ValidBytes(frame) {
		return Header{}, ErrMalformedFrame
	}

	results := gjson.GetManyBytes(frame, "message_type", "correlation_id", "routing_key")

	if !results[0].Exists() || !results[1].Exists() {
		return Header{}, ErrMalformedFrame
	}

	corrID, err := uuid.Parse(results[1].String())
	if err != nil {
		return Header{}, fmt.Errorf("%w: correlation_id: %v", ErrMalformedFrame, err)
	}

	return Header{
		Type:          envelope.Type(results[0].Int()),
		CorrelationID: corrID,
		RoutingKey:    topic.Topic(results[2].String()),
	}, nil
}

// ReplyFrame rewrites a request frame into a response frame carrying the
// given payload, preserving the correlation ID and routing key. Endpoint
// responders use it to answer without reconstructing an envelope.
func (JSON) ReplyFrame(frame []byte, payload []byte) ([]byte, error) {
	if !gjson.ValidBytes(frame) {
		return nil, ErrMalformedFrame
	}

	out, err := sjson.SetBytes(frame, "message_type", int(envelope.TypeResponse))
	if err != nil {
		return nil, fmt.Errorf("rewrite message_type: %w", err)
	}
	out, err = sjson.SetBytes(out, "id", uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("rewrite id: %w", err)
	}
	out, err = sjson.SetBytes(out, "payload", payload)
	if err != nil {
		return nil, fmt.Errorf("rewrite payload: %w", err)
	}
	return out, nil
}
