package device

import (
	"encoding/binary"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/backend"
	"github.com/dbehnke/meterlink/internal/frame"
	"github.com/dbehnke/meterlink/internal/pubsub"
)

// handleFrame processes one frame-aligned inbound buffer: decode,
// integrity accounting, frame id gap detection, then dispatch by
// service.
func (c *Conn) handleFrame(buf []byte) {
	c.framesIn.Inc()
	f, err := frame.Decode(buf)
	if err != nil {
		if errors.Is(err, frame.ErrLinkCheck) {
			c.met.IntegrityWarnings.Inc()
		} else {
			c.met.FramingErrors.Inc()
		}
		c.log.Warn("dropping frame", zap.Error(err))
		return
	}

	if f.Type != frame.FT_DATA {
		c.handleLinkMessage(f)
		return
	}

	if !f.LengthOK {
		c.met.IntegrityWarnings.Inc()
		c.log.Warn("length check mismatch", zap.Uint16("frame_id", f.FrameID))
	}
	if c.inSeen {
		if want := frame.NextID(c.inID); f.FrameID != want {
			c.met.SequenceGaps.Inc()
			c.log.Warn("frame id gap",
				zap.Uint16("expected", want),
				zap.Uint16("received", f.FrameID))
		}
	}
	// resynchronize on the received id so one gap is counted once
	c.inID = f.FrameID
	c.inSeen = true
	c.inFrames.Add(1)

	switch f.Service {
	case frame.ST_LINK:
		c.handleLink(f)
	case frame.ST_PUBSUB:
		c.handlePubsub(f)
	case frame.ST_TRACE, frame.ST_THROUGHPUT:
		c.met.ServiceDropped.WithLabelValues(f.Service.String()).Inc()
	default:
		c.met.ProtocolViolations.Inc()
		c.log.Warn("invalid service", zap.Stringer("service", f.Service))
	}
}

// handleLinkMessage handles the non-DATA frame types: control
// handshakes become state machine events; acknowledgement types are
// counted and dropped since retransmission is unused on USB.
func (c *Conn) handleLinkMessage(f *frame.Frame) {
	switch f.Type {
	case frame.FT_CONTROL:
		switch f.Control() {
		case frame.CTRL_RESET_REQ:
			c.dispatch(EVENT_LINK_RESET_REQ)
		case frame.CTRL_RESET_ACK:
			c.dispatch(EVENT_LINK_RESET_ACK)
		case frame.CTRL_DISCONNECT_REQ:
			c.dispatch(EVENT_LINK_DISCONNECT_REQ)
		case frame.CTRL_DISCONNECT_ACK:
			c.dispatch(EVENT_LINK_DISCONNECT_ACK)
		default:
			c.met.ProtocolViolations.Inc()
			c.log.Warn("invalid control subtype", zap.Uint16("subtype", f.Arg))
		}
	case frame.FT_ACK_ALL, frame.FT_ACK_ONE, frame.FT_NACK_FRAME_ID:
		c.met.ServiceDropped.WithLabelValues(f.Type.String()).Inc()
	default:
		c.met.ProtocolViolations.Inc()
		c.log.Warn("invalid frame type", zap.Stringer("type", f.Type))
	}
}

// handleLink services inbound link messages: answer pings, relay
// pongs, and fold timesync responses into the time map.
func (c *Conn) handleLink(f *frame.Frame) {
	switch frame.LinkMsg(f.Metadata & 0xff) {
	case frame.MSG_PING:
		c.sendLink(frame.MSG_PONG, f.Payload)
	case frame.MSG_PONG:
		data := make([]byte, len(f.Payload))
		copy(data, f.Payload)
		c.bus.Publish(c.prefix+"/"+TOPIC_PONG, pubsub.Bin(data))
	case frame.MSG_STATUS:
		c.log.Debug("link status", zap.Int("bytes", len(f.Payload)))
	case frame.MSG_TIMESYNC_REQ:
		c.log.Debug("timesync request")
	case frame.MSG_TIMESYNC_RSP:
		if len(f.Payload) >= 8 {
			counter := binary.LittleEndian.Uint64(f.Payload[:8])
			c.tmap.Update(c.clk.Now(), counter)
		}
	default:
		c.met.ProtocolViolations.Inc()
		c.log.Warn("invalid link message", zap.Uint16("metadata", f.Metadata))
	}
}

// handlePubsub relays one device publish onto the bus under the device
// prefix. The flush echo is intercepted and becomes a state machine
// event instead.
func (c *Conn) handlePubsub(f *frame.Frame) {
	topic, v, err := pubsub.DecodeRecord(f.Payload, f.Metadata)
	if err != nil {
		c.met.ProtocolViolations.Inc()
		c.log.Warn("bad pubsub record", zap.Error(err))
		return
	}

	if topic == TOPIC_FLUSH {
		if v.Type == pubsub.TYPE_U32 && v.AsU32() == c.flushNonce {
			c.dispatch(EVENT_PUBSUB_FLUSHED)
		}
		return
	}

	// '?' marks a metadata query response; strip it for consumers
	topic = strings.TrimSuffix(topic, "?")
	c.met.PublishesRelayed.Inc()
	c.bus.Publish(c.prefix+"/"+topic, v)
}

// publishToDevice encodes one record and sends it down the pubsub
// service. Values over the record capacity are truncated with a
// warning rather than rejected.
func (c *Conn) publishToDevice(topic string, v pubsub.Value) {
	if c.state != STATE_OPEN && c.state != STATE_PUBSUB_FLUSH {
		c.log.Warn("dropping publish, link not open",
			zap.String("topic", topic), zap.Stringer("state", c.state))
		return
	}

	payload, metadata, truncated, err := pubsub.EncodeRecord(topic, v)
	if err != nil {
		c.log.Warn("encode record", zap.String("topic", topic), zap.Error(err))
		return
	}
	if truncated {
		c.met.Truncations.Inc()
		c.log.Warn("value truncated", zap.String("topic", topic))
	}

	buf, err := frame.EncodeData(frame.ST_PUBSUB, metadata, payload, c.outID)
	if err != nil {
		c.log.Warn("encode frame", zap.String("topic", topic), zap.Error(err))
		return
	}
	c.outID = frame.NextID(c.outID)
	c.framesOut.Inc()
	c.outFrames.Add(1)
	if err := c.dev.Submit(backend.Request{Kind: backend.REQ_BULK_OUT, Data: buf}); err != nil {
		c.log.Warn("bulk out", zap.Error(err))
	}
}

// sendLink sends one link service message. An empty payload becomes a
// single zero word so the frame stays valid.
func (c *Conn) sendLink(kind frame.LinkMsg, payload []byte) {
	if len(payload) == 0 {
		payload = []byte{0, 0, 0, 0}
	}
	buf, err := frame.EncodeData(frame.ST_LINK, uint16(kind), payload, c.outID)
	if err != nil {
		c.log.Warn("encode link message", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	c.outID = frame.NextID(c.outID)
	c.framesOut.Inc()
	c.outFrames.Add(1)
	if err := c.dev.Submit(backend.Request{Kind: backend.REQ_BULK_OUT, Data: buf}); err != nil {
		c.log.Warn("bulk out", zap.Error(err))
	}
}

// sendControl sends one 8-byte link control message.
func (c *Conn) sendControl(subtype frame.ControlType) {
	if err := c.dev.Submit(backend.Request{Kind: backend.REQ_BULK_OUT, Data: frame.EncodeControl(subtype)}); err != nil {
		c.log.Warn("bulk out control", zap.Stringer("subtype", subtype), zap.Error(err))
	}
}

// publishState mirrors the lifecycle state onto the retained state
// topic.
func (c *Conn) publishState() {
	c.bus.PublishRetained(c.prefix+"/"+TOPIC_STATE, pubsub.U32(uint32(c.state)))
}
