package backend

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/frame"
	"github.com/dbehnke/meterlink/internal/logging"
)

// Loopback is an in-process emulated instrument honoring the wire
// protocol: it acknowledges the reset and disconnect handshakes,
// answers link pings with pongs, and echoes every pubsub record back
// out its own stream. Tests and the loopback demo run the full driver
// against it without hardware.
type Loopback struct {
	log  *zap.Logger
	info DeviceInfo

	mu       sync.Mutex
	rsp      chan Response
	outID    uint16
	bulkOpen bool
	gone     bool
	once     sync.Once
}

// NewLoopback returns an emulated instrument with the given serial.
func NewLoopback(serial string) *Loopback {
	return &Loopback{
		log: logging.Logger("backend.loopback"),
		info: DeviceInfo{
			Model:     "loopback",
			Serial:    serial,
			VendorID:  0x16d0,
			ProductID: 0x10b9,
		},
		rsp: make(chan Response, 256),
	}
}

func (l *Loopback) Info() DeviceInfo           { return l.info }
func (l *Loopback) Responses() <-chan Response { return l.rsp }

// Submit emulates the transport synchronously: acknowledgements and
// echoed frames are queued on Responses before Submit returns.
func (l *Loopback) Submit(req Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gone {
		return nil
	}

	switch req.Kind {
	case REQ_OPEN:
		l.push(Response{Kind: RSP_OPEN_ACK})
	case REQ_OPEN_BULK:
		l.bulkOpen = true
		l.push(Response{Kind: RSP_OPEN_BULK_ACK})
	case REQ_CLOSE:
		l.bulkOpen = false
		l.push(Response{Kind: RSP_CLOSE_ACK})
	case REQ_BULK_OUT:
		l.handleFrame(req.Data)
	default:
		l.log.Warn("unsupported request", zap.Stringer("kind", req.Kind))
	}
	return nil
}

// Destroy simulates device removal.
func (l *Loopback) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.once.Do(func() {
		l.gone = true
		l.push(Response{Kind: RSP_GONE})
		close(l.rsp)
	})
}

func (l *Loopback) handleFrame(data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		l.log.Warn("dropping bad frame", zap.Error(err))
		return
	}

	switch f.Type {
	case frame.FT_CONTROL:
		switch f.Control() {
		case frame.CTRL_RESET_REQ:
			l.sendRaw(frame.EncodeControl(frame.CTRL_RESET_ACK))
		case frame.CTRL_DISCONNECT_REQ:
			l.sendRaw(frame.EncodeControl(frame.CTRL_DISCONNECT_ACK))
		default:
			l.log.Debug("ignoring control", zap.Stringer("subtype", f.Control()))
		}
	case frame.FT_DATA:
		if !l.bulkOpen {
			l.log.Warn("data frame before bulk open")
			return
		}
		switch f.Service {
		case frame.ST_LINK:
			if frame.LinkMsg(f.Metadata&0xff) == frame.MSG_PING {
				l.sendData(frame.ST_LINK, uint16(frame.MSG_PONG), f.Payload)
			}
		case frame.ST_PUBSUB:
			// the device's subscriber echo: whatever the host
			// publishes comes straight back
			l.sendData(frame.ST_PUBSUB, f.Metadata, f.Payload)
		default:
			l.log.Debug("ignoring service", zap.Stringer("service", f.Service))
		}
	default:
		l.log.Debug("ignoring frame", zap.Stringer("type", f.Type))
	}
}

func (l *Loopback) sendData(service frame.ServiceType, metadata uint16, payload []byte) {
	buf, err := frame.EncodeData(service, metadata, payload, l.outID)
	if err != nil {
		l.log.Warn("encode failed", zap.Error(err))
		return
	}
	l.outID = frame.NextID(l.outID)
	l.sendRaw(buf)
}

func (l *Loopback) sendRaw(buf []byte) {
	l.push(Response{Kind: RSP_STREAM_DATA, Data: buf})
}

func (l *Loopback) push(rsp Response) {
	select {
	case l.rsp <- rsp:
	default:
		l.log.Warn("response queue full, dropping", zap.Stringer("kind", rsp.Kind))
	}
}
