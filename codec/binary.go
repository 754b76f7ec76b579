package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stormbus/envelope"
	"github.com/dshills/stormbus/topic"
)

// Binary frame layout (big endian):
//
//	offset  size  field
//	0       1     magic (0xB5)
//	1       1     version (1)
//	2       1     message type
//	3       16    envelope id
//	19      16    correlation id
//	35      8     created-at, unix nanoseconds
//	43      2     routing key length (k)
//	45      k     routing key (UTF-8)
//	45+k    4     payload length (p)
//	49+k    p     payload
const (
	binaryMagic   = 0xB5
	binaryVersion = 1
	headerSize    = 1 + 1 + 1 + 16 + 16 + 8 + 2
)

// Binary encodes envelopes in a compact fixed-layout frame. It is the
// format of choice for high-volume local endpoints where JSON overhead
// matters.
type Binary struct{}

// Name implements Codec.
func (Binary) Name() string {
	return "binary"
}

// Encode implements Codec.
func (Binary) Encode(env envelope.Envelope) ([]byte, error) {
	key := []byte(env.RoutingKey())
	if len(key) > 0xFFFF {
		return nil, fmt.Errorf("routing key too long: %d bytes", len(key))
	}
	payload := env.Payload()

	frame := make([]byte, 0, headerSize+len(key)+4+len(payload))
	frame = append(frame, binaryMagic, binaryVersion, byte(env.MessageType()))

	id := env.ID()
	frame = append(frame, id[:]...)
	corr := env.CorrelationID()
	frame = append(frame, corr[:]...)

	frame = binary.BigEndian.AppendUint64(frame, uint64(env.CreatedAt().UnixNano()))
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(key)))
	frame = append(frame, key...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	return frame, nil
}

// Decode implements Codec.
func (Binary) Decode(frame []byte) (envelope.Envelope, error) {
	key, payloadOff, hdr, err := parseBinary(frame)
	if err != nil {
		return envelope.Envelope{}, err
	}

	if len(frame) < payloadOff+4 {
		return envelope.Envelope{}, ErrFrameTooShort
	}
	payloadLen := int(binary.BigEndian.Uint32(frame[payloadOff:]))
	if len(frame) < payloadOff+4+payloadLen {
		return envelope.Envelope{}, ErrFrameTooShort
	}
	payload := frame[payloadOff+4 : payloadOff+4+payloadLen]

	var id uuid.UUID
	copy(id[:], frame[3:19])
	createdNs := int64(binary.BigEndian.Uint64(frame[35:43]))

	env := envelope.New(hdr.Type, topic.Topic(key), payload,
		envelope.WithID(id),
		envelope.WithCorrelationID(hdr.CorrelationID),
		envelope.WithCreatedAt(time.Unix(0, createdNs).UTC()),
	)
	return env, nil
}

// Peek implements Codec.
func (Binary) Peek(frame []byte) (Header, error) {
	_, _, hdr, err := parseBinary(frame)
	return hdr, err
}

// parseBinary validates the fixed header and returns the routing key,
// the payload-length offset, and the peeked header.
func parseBinary(frame []byte) (key string, payloadOff int, hdr Header, err error) {
	if len(frame) < headerSize {
		return "", 0, Header{}, ErrFrameTooShort
	}
	if frame[0] != binaryMagic {
		return "", 0, Header{}, ErrBadMagic
	}
	if frame[1] != binaryVersion {
		return "", 0, Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, frame[1])
	}

	keyLen := int(binary.BigEndian.Uint16(frame[43:45]))
	if len(frame) < headerSize+keyLen {
		return "", 0, Header{}, ErrFrameTooShort
	}
	key = string(frame[headerSize : headerSize+keyLen])

	var corr uuid.UUID
	copy(corr[:], frame[19:35])

	hdr = Header{
		Type:          envelope.Type(frame[2]),
		CorrelationID: corr,
		RoutingKey:    topic.Topic(key),
	}
	return key, headerSize + keyLen, hdr, nil
}
