package pubsub

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dbehnke/meterlink/internal/frame"
)

// Wire record constants
const (
	TOPIC_LENGTH    = 32 // fixed topic field size, null padded
	VALUE_BYTES_MAX = frame.PAYLOAD_BYTES_MAX - TOPIC_LENGTH
)

var (
	ErrTopicTooLong = errors.New("topic exceeds wire field")
	ErrBadRecord    = errors.New("malformed pubsub record")
)

// EncodeRecord packs a topic and value into the pubsub wire record:
// the 32-byte topic field followed by the value bytes, rounded up to a
// 4-byte boundary. The returned metadata carries the type tag in the
// low byte and the two low bits of the exact value size in bits 8-9,
// which recover the byte count lost to rounding. Oversize str, json
// and bin values are truncated to capacity and reported, never
// rejected; str and json keep their terminating NUL.
func EncodeRecord(topic string, v Value) (payload []byte, metadata uint16, truncated bool, err error) {
	if len(topic) >= TOPIC_LENGTH {
		return nil, 0, false, fmt.Errorf("%w: %q", ErrTopicTooLong, topic)
	}

	var val []byte
	switch {
	case v.Type == TYPE_NULL:
		val = nil
	case v.Type.IsNumeric():
		val = v.numBytes()
	case v.Type == TYPE_BIN:
		val = v.Bytes
		if len(val) > VALUE_BYTES_MAX {
			val = val[:VALUE_BYTES_MAX]
			truncated = true
		}
	case v.Type == TYPE_STR || v.Type == TYPE_JSON:
		val = append(append([]byte{}, v.Bytes...), 0)
		if len(val) > VALUE_BYTES_MAX {
			val = val[:VALUE_BYTES_MAX]
			val[len(val)-1] = 0
			truncated = true
		}
	default:
		return nil, 0, false, fmt.Errorf("%w: type %d", ErrBadRecord, v.Type)
	}

	total := TOPIC_LENGTH + len(val)
	rounded := (total + 3) &^ 3
	payload = make([]byte, rounded)
	copy(payload[:TOPIC_LENGTH], topic)
	copy(payload[TOPIC_LENGTH:], val)

	metadata = uint16(v.Type) | uint16(len(val)&3)<<8
	return payload, metadata, truncated, nil
}

// DecodeRecord unpacks a pubsub wire record. The value bytes are
// copied out of payload so callers may reuse the transport buffer.
func DecodeRecord(payload []byte, metadata uint16) (string, Value, error) {
	if len(payload) < TOPIC_LENGTH || len(payload)%4 != 0 {
		return "", Value{}, fmt.Errorf("%w: %d bytes", ErrBadRecord, len(payload))
	}

	topicField := payload[:TOPIC_LENGTH]
	if i := bytes.IndexByte(topicField, 0); i >= 0 {
		topicField = topicField[:i]
	}
	topic := string(topicField)

	rounded := len(payload) - TOPIC_LENGTH
	lowBits := int(metadata>>8) & 3
	size := rounded
	if lowBits != 0 {
		size = rounded - 4 + lowBits
	}
	if size < 0 || size > rounded {
		return "", Value{}, fmt.Errorf("%w: size %d of %d", ErrBadRecord, size, rounded)
	}

	v := Value{Type: ValueType(metadata & 0xff)}
	raw := payload[TOPIC_LENGTH : TOPIC_LENGTH+size]
	switch {
	case v.Type == TYPE_NULL:
	case v.Type.IsNumeric():
		if size < 8 {
			return "", Value{}, fmt.Errorf("%w: numeric value in %d bytes", ErrBadRecord, size)
		}
		v.Num = binary.LittleEndian.Uint64(raw[:8])
	case v.Type == TYPE_STR || v.Type == TYPE_JSON:
		if n := len(raw); n > 0 && raw[n-1] == 0 {
			raw = raw[:n-1]
		}
		v.Bytes = append([]byte{}, raw...)
	case v.Type == TYPE_BIN:
		v.Bytes = append([]byte{}, raw...)
	default:
		return "", Value{}, fmt.Errorf("%w: type %d", ErrBadRecord, v.Type)
	}
	return topic, v, nil
}
