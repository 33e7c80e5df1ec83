package frame

// ControlType is the link-message subtype carried in the low bits of
// an FT_CONTROL frame. Request/acknowledge pairs drive the connection
// handshake.
type ControlType uint8

const (
	CTRL_RESET_REQ      ControlType = 0
	CTRL_RESET_ACK      ControlType = 1
	CTRL_DISCONNECT_REQ ControlType = 2
	CTRL_DISCONNECT_ACK ControlType = 3
)

// String returns the control subtype name for logs.
func (c ControlType) String() string {
	switch c {
	case CTRL_RESET_REQ:
		return "reset_req"
	case CTRL_RESET_ACK:
		return "reset_ack"
	case CTRL_DISCONNECT_REQ:
		return "disconnect_req"
	case CTRL_DISCONNECT_ACK:
		return "disconnect_ack"
	default:
		return "ctrl_unknown"
	}
}

// LinkMsg is the link service message kind, carried in the metadata
// low byte of an ST_LINK DATA frame.
type LinkMsg uint8

const (
	MSG_INVALID      LinkMsg = 0
	MSG_STATUS       LinkMsg = 1
	MSG_TIMESYNC_REQ LinkMsg = 2
	MSG_TIMESYNC_RSP LinkMsg = 3
	MSG_PING         LinkMsg = 4
	MSG_PONG         LinkMsg = 5
)

// String returns the link message name for logs.
func (m LinkMsg) String() string {
	switch m {
	case MSG_INVALID:
		return "invalid"
	case MSG_STATUS:
		return "status"
	case MSG_TIMESYNC_REQ:
		return "timesync_req"
	case MSG_TIMESYNC_RSP:
		return "timesync_rsp"
	case MSG_PING:
		return "ping"
	case MSG_PONG:
		return "pong"
	default:
		return "msg_unknown"
	}
}
