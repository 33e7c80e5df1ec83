package device

import "fmt"

// Event drives the connection state machine. Backend acknowledgements,
// decoded link-control frames, API requests, and timeouts all funnel
// into the same dispatch path on the driver goroutine.
type Event uint8

const (
	EVENT_RESET Event = iota
	EVENT_ADVANCE
	EVENT_PUBSUB_FLUSHED
	EVENT_LINK_RESET_REQ
	EVENT_LINK_RESET_ACK
	EVENT_LINK_DISCONNECT_REQ
	EVENT_LINK_DISCONNECT_ACK
	EVENT_BACKEND_OPEN_ACK
	EVENT_BACKEND_OPEN_NACK
	EVENT_BACKEND_OPEN_BULK_ACK
	EVENT_BACKEND_OPEN_BULK_NACK
	EVENT_BACKEND_CLOSE_ACK
	EVENT_API_OPEN_REQUEST
	EVENT_API_CLOSE_REQUEST
	EVENT_TIMEOUT
)

// String returns the event name for logs.
func (e Event) String() string {
	switch e {
	case EVENT_RESET:
		return "reset"
	case EVENT_ADVANCE:
		return "advance"
	case EVENT_PUBSUB_FLUSHED:
		return "pubsub_flushed"
	case EVENT_LINK_RESET_REQ:
		return "link_reset_req"
	case EVENT_LINK_RESET_ACK:
		return "link_reset_ack"
	case EVENT_LINK_DISCONNECT_REQ:
		return "link_disconnect_req"
	case EVENT_LINK_DISCONNECT_ACK:
		return "link_disconnect_ack"
	case EVENT_BACKEND_OPEN_ACK:
		return "backend_open_ack"
	case EVENT_BACKEND_OPEN_NACK:
		return "backend_open_nack"
	case EVENT_BACKEND_OPEN_BULK_ACK:
		return "backend_open_bulk_ack"
	case EVENT_BACKEND_OPEN_BULK_NACK:
		return "backend_open_bulk_nack"
	case EVENT_BACKEND_CLOSE_ACK:
		return "backend_close_ack"
	case EVENT_API_OPEN_REQUEST:
		return "api_open_request"
	case EVENT_API_CLOSE_REQUEST:
		return "api_close_request"
	case EVENT_TIMEOUT:
		return "timeout"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}
