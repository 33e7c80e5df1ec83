package backend

import "fmt"

// USB endpoint addresses used by the instrument bulk pipe.
const (
	EP_BULK_IN  = 0x82
	EP_BULK_OUT = 0x01
)

// RequestKind enumerates driver-to-backend commands.
type RequestKind uint8

const (
	REQ_OPEN RequestKind = iota
	REQ_OPEN_BULK
	REQ_CLOSE
	REQ_BULK_OUT
)

// String returns the request name for logs.
func (k RequestKind) String() string {
	switch k {
	case REQ_OPEN:
		return "open"
	case REQ_OPEN_BULK:
		return "open_bulk"
	case REQ_CLOSE:
		return "close"
	case REQ_BULK_OUT:
		return "bulk_out"
	default:
		return fmt.Sprintf("req(%d)", uint8(k))
	}
}

// ResponseKind enumerates backend-to-driver deliveries.
type ResponseKind uint8

const (
	RSP_OPEN_ACK ResponseKind = iota
	RSP_OPEN_BULK_ACK
	RSP_CLOSE_ACK
	RSP_STREAM_DATA
	RSP_GONE
)

// String returns the response name for logs.
func (k ResponseKind) String() string {
	switch k {
	case RSP_OPEN_ACK:
		return "open_ack"
	case RSP_OPEN_BULK_ACK:
		return "open_bulk_ack"
	case RSP_CLOSE_ACK:
		return "close_ack"
	case RSP_STREAM_DATA:
		return "stream_data"
	case RSP_GONE:
		return "gone"
	default:
		return fmt.Sprintf("rsp(%d)", uint8(k))
	}
}

// Request is one command submitted to the transport backend. Data
// carries one encoded wire frame for REQ_BULK_OUT.
type Request struct {
	Kind RequestKind
	Data []byte
}

// Response is one backend completion notice or data delivery. Status
// is zero on success. Data holds inbound stream bytes, chunked by the
// transport into whole 512-byte frames.
type Response struct {
	Kind   ResponseKind
	Status int32
	Data   []byte
}

// DeviceInfo identifies one attached instrument.
type DeviceInfo struct {
	Model     string
	Serial    string
	VendorID  uint16
	ProductID uint16
}

// Prefix returns the host bus namespace for the device.
func (i DeviceInfo) Prefix() string {
	return "d/" + i.Serial
}

func (i DeviceInfo) String() string {
	return fmt.Sprintf("%s/%s [%04x:%04x]", i.Model, i.Serial, i.VendorID, i.ProductID)
}

// Device is the transport backend for one attached instrument. Submit
// never blocks on the wire: completions and stream data come back on
// Responses. The channel is closed when the device goes away for good.
type Device interface {
	Submit(req Request) error
	Responses() <-chan Response
	Info() DeviceInfo
	Destroy()
}
