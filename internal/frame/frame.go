package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire frame constants
const (
	SOF1              = 0x55 // start-of-frame byte 0
	SOF2              = 0x00 // start-of-frame byte 1, high nibble
	SOF2_MASK         = 0xF0
	FRAME_LENGTH      = 512 // fixed frame size on the USB transport
	HEADER_LENGTH     = 8
	FOOTER_LENGTH     = 4
	LINK_LENGTH       = 8                  // short link message size
	PAYLOAD_WORDS_MAX = FRAME_LENGTH/4 - 3 // 125 32-bit words
	PAYLOAD_BYTES_MAX = PAYLOAD_WORDS_MAX * 4
	FRAME_ID_MAX      = (1 << 11) - 1 // 11-bit rolling frame id
)

// ServiceType selects the logical service multiplexed onto a DATA
// frame, carried in the low nibble of the second header byte.
type ServiceType uint8

const (
	ST_INVALID    ServiceType = 0
	ST_LINK       ServiceType = 1
	ST_TRACE      ServiceType = 2
	ST_PUBSUB     ServiceType = 3
	ST_THROUGHPUT ServiceType = 4
)

// String returns the service name for logs and metric labels.
func (s ServiceType) String() string {
	switch s {
	case ST_INVALID:
		return "invalid"
	case ST_LINK:
		return "link"
	case ST_TRACE:
		return "trace"
	case ST_PUBSUB:
		return "pubsub"
	case ST_THROUGHPUT:
		return "throughput"
	default:
		return fmt.Sprintf("service(%d)", uint8(s))
	}
}

// FrameType occupies the high 5 bits of the frame id word. Values are
// spaced for large pairwise Hamming distance.
type FrameType uint8

const (
	FT_DATA          FrameType = 0x00
	FT_ACK_ALL       FrameType = 0x0F
	FT_ACK_ONE       FrameType = 0x17
	FT_NACK_FRAME_ID FrameType = 0x1B
	FT_RESERVED      FrameType = 0x1D
	FT_CONTROL       FrameType = 0x1E
)

// String returns the frame type name for logs.
func (t FrameType) String() string {
	switch t {
	case FT_DATA:
		return "data"
	case FT_ACK_ALL:
		return "ack_all"
	case FT_ACK_ONE:
		return "ack_one"
	case FT_NACK_FRAME_ID:
		return "nack_frame_id"
	case FT_RESERVED:
		return "reserved"
	case FT_CONTROL:
		return "control"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

var (
	ErrFraming       = errors.New("bad start-of-frame bytes")
	ErrInvalidLength = errors.New("invalid payload length")
	ErrLinkCheck     = errors.New("link check mismatch")
	ErrShortFrame    = errors.New("buffer shorter than frame")
)

// Frame is one decoded wire frame. For DATA frames Payload aliases the
// input buffer and LengthOK reports whether the length check byte
// matched (a mismatch is logged by the caller but is not fatal). For
// link messages (every non-DATA type) only Type and Arg are meaningful.
type Frame struct {
	Service  ServiceType
	Type     FrameType
	FrameID  uint16 // DATA: rolling frame id
	Arg      uint16 // link messages: subtype or acked frame id
	Metadata uint16
	Payload  []byte
	LengthOK bool
}

// Control returns the link-control subtype of an FT_CONTROL frame.
func (f *Frame) Control() ControlType {
	return ControlType(f.Arg)
}

// LengthCheck returns the integrity byte guarding the length field.
func LengthCheck(length uint8) uint8 {
	return uint8((uint32(length) * 0xd8d9) >> 11)
}

// NextID advances an 11-bit rolling frame id.
func NextID(id uint16) uint16 {
	return (id + 1) & FRAME_ID_MAX
}

// EncodeData builds a DATA frame around payload. The payload must be
// 1..PAYLOAD_BYTES_MAX bytes and is zero-padded to the next 32-bit
// word. frameID is masked to 11 bits; the caller owns the counter and
// advances it with NextID after a successful encode. The returned
// buffer is 4*(3+words) bytes: header, payload, zero footer (no frame
// check on USB).
func EncodeData(service ServiceType, metadata uint16, payload []byte, frameID uint16) ([]byte, error) {
	if len(payload) == 0 || len(payload) > PAYLOAD_BYTES_MAX {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(payload))
	}
	words := (len(payload) + 3) / 4
	length := uint8(words - 1)

	out := make([]byte, 4*(3+words))
	out[0] = SOF1
	out[1] = SOF2 | uint8(service&0x0f)
	binary.LittleEndian.PutUint16(out[2:4], uint16(FT_DATA)<<11|frameID&FRAME_ID_MAX)
	out[4] = length
	out[5] = LengthCheck(length)
	binary.LittleEndian.PutUint16(out[6:8], metadata)
	copy(out[8:], payload)
	// padding and footer stay zero
	return out, nil
}

// LinkCheck returns the integrity word guarding an 8-byte link message.
func LinkCheck(msg uint16) uint32 {
	return 0xcba9 * uint32(msg)
}

// EncodeControl builds the 8-byte link message for a control subtype.
func EncodeControl(subtype ControlType) []byte {
	return encodeLink(FT_CONTROL, uint16(subtype))
}

func encodeLink(t FrameType, arg uint16) []byte {
	msg := uint16(t)<<11 | arg&FRAME_ID_MAX
	out := make([]byte, LINK_LENGTH)
	out[0] = SOF1
	out[1] = SOF2
	binary.LittleEndian.PutUint16(out[2:4], msg)
	binary.LittleEndian.PutUint32(out[4:8], LinkCheck(msg))
	return out
}

// Decode parses one received frame. The transport delivers
// frame-aligned buffers, so a framing error drops the frame without
// any resync attempt.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < LINK_LENGTH {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	if buf[0] != SOF1 {
		return nil, fmt.Errorf("%w: sof1 0x%02x", ErrFraming, buf[0])
	}
	if buf[1]&SOF2_MASK != SOF2 {
		return nil, fmt.Errorf("%w: sof2 0x%02x", ErrFraming, buf[1])
	}

	f := &Frame{Service: ServiceType(buf[1] &^ SOF2_MASK)}
	msg := binary.LittleEndian.Uint16(buf[2:4])
	f.Type = FrameType(msg >> 11)

	if f.Type != FT_DATA {
		// Link message: the low bits are the subtype or acked id,
		// guarded by the multiplicative link check.
		f.Arg = msg & FRAME_ID_MAX
		if check := binary.LittleEndian.Uint32(buf[4:8]); check != LinkCheck(msg) {
			return nil, fmt.Errorf("%w: 0x%08x", ErrLinkCheck, check)
		}
		return f, nil
	}

	f.FrameID = msg & FRAME_ID_MAX
	length := buf[4]
	words := int(length) + 1
	if len(buf) < HEADER_LENGTH+words*4 {
		return nil, fmt.Errorf("%w: %d words in %d bytes", ErrInvalidLength, words, len(buf))
	}
	f.LengthOK = LengthCheck(length) == buf[5]
	f.Metadata = binary.LittleEndian.Uint16(buf[6:8])
	f.Payload = buf[HEADER_LENGTH : HEADER_LENGTH+words*4]
	return f, nil
}
