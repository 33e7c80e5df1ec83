package device

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/frame"
)

// State is one connection lifecycle state. The zero value is
// STATE_NOT_PRESENT.
type State uint8

const (
	STATE_NOT_PRESENT State = iota
	STATE_CLOSED
	STATE_LL_OPEN
	STATE_LL_BULK_OPEN
	STATE_LINK_RESET
	STATE_OPEN
	STATE_PUBSUB_FLUSH
	STATE_LINK_DISCONNECT
	STATE_LL_CLOSE_PENDING
	STATE_LL_CLOSING
	STATE_FINALIZED
)

// String returns the state name for logs, metrics and the retained
// state topic.
func (s State) String() string {
	switch s {
	case STATE_NOT_PRESENT:
		return "not_present"
	case STATE_CLOSED:
		return "closed"
	case STATE_LL_OPEN:
		return "ll_open"
	case STATE_LL_BULK_OPEN:
		return "ll_bulk_open"
	case STATE_LINK_RESET:
		return "link_reset"
	case STATE_OPEN:
		return "open"
	case STATE_PUBSUB_FLUSH:
		return "pubsub_flush"
	case STATE_LINK_DISCONNECT:
		return "link_disconnect"
	case STATE_LL_CLOSE_PENDING:
		return "ll_close_pending"
	case STATE_LL_CLOSING:
		return "ll_closing"
	case STATE_FINALIZED:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// transition matches one event. A nil guard always fires. A guard may
// carry side effects; returning false passes the event to the next
// candidate row. Internal transitions handle the event without leaving
// the state, so entry and exit actions do not rerun.
type transition struct {
	event    Event
	next     State
	internal bool
	guard    func(c *Conn, ev Event) bool
}

// stateDef binds a state's entry and exit actions to its transition
// rows. Rows are scanned in order; the first match wins.
type stateDef struct {
	entry       func(c *Conn)
	exit        func(c *Conn)
	transitions []transition
}

// globalTransitions are scanned before the current state's rows. They
// hold the reset paths, the peer-initiated handshake responders, and
// the shared API request rejections.
var globalTransitions = []transition{
	{event: EVENT_RESET, next: STATE_NOT_PRESENT, guard: func(c *Conn, _ Event) bool { return !c.present }},
	{event: EVENT_RESET, next: STATE_CLOSED},
	{event: EVENT_LINK_RESET_REQ, internal: true, guard: (*Conn).ackPeerReset},
	{event: EVENT_LINK_DISCONNECT_REQ, internal: true, guard: (*Conn).ackPeerDisconnect},
	{event: EVENT_API_OPEN_REQUEST, internal: true, guard: (*Conn).rejectOpenBusy},
	{event: EVENT_API_CLOSE_REQUEST, next: STATE_FINALIZED, guard: (*Conn).finalizeIdle},
}

var fsmTable = map[State]stateDef{
	STATE_NOT_PRESENT: {
		entry: (*Conn).enterNotPresent,
		transitions: []transition{
			{event: EVENT_API_OPEN_REQUEST, internal: true, guard: func(c *Conn, _ Event) bool {
				c.notifyOpenResult(ERR_NOT_PRESENT)
				return true
			}},
			{event: EVENT_API_CLOSE_REQUEST, internal: true, guard: func(c *Conn, _ Event) bool {
				c.notifyCloseResult(ERR_NOT_PRESENT)
				return true
			}},
		},
	},
	STATE_CLOSED: {
		entry: (*Conn).enterClosed,
		transitions: []transition{
			{event: EVENT_API_OPEN_REQUEST, next: STATE_LL_OPEN, guard: func(c *Conn, _ Event) bool {
				c.openPending = true
				return true
			}},
			{event: EVENT_API_CLOSE_REQUEST, internal: true, guard: func(c *Conn, _ Event) bool {
				c.notifyCloseResult(ERR_NOT_OPEN)
				return true
			}},
		},
	},
	STATE_LL_OPEN: {
		entry: (*Conn).enterLlOpen,
		transitions: []transition{
			{event: EVENT_BACKEND_OPEN_ACK, next: STATE_LL_BULK_OPEN},
			{event: EVENT_BACKEND_OPEN_NACK, next: STATE_LL_CLOSING, guard: func(c *Conn, _ Event) bool {
				c.notifyOpenResult(ERR_BACKEND)
				return true
			}},
			{event: EVENT_API_CLOSE_REQUEST, next: STATE_LL_CLOSING, guard: (*Conn).abortOpen},
		},
	},
	STATE_LL_BULK_OPEN: {
		entry: (*Conn).enterLlBulkOpen,
		transitions: []transition{
			{event: EVENT_BACKEND_OPEN_BULK_ACK, next: STATE_LINK_RESET},
			{event: EVENT_BACKEND_OPEN_BULK_NACK, next: STATE_LL_CLOSING, guard: func(c *Conn, _ Event) bool {
				c.notifyOpenResult(ERR_BACKEND)
				return true
			}},
			{event: EVENT_API_CLOSE_REQUEST, next: STATE_LL_CLOSING, guard: (*Conn).abortOpen},
		},
	},
	STATE_LINK_RESET: {
		entry: (*Conn).enterLinkReset,
		exit:  (*Conn).disarmTimeout,
		transitions: []transition{
			{event: EVENT_LINK_RESET_ACK, next: STATE_OPEN},
			{event: EVENT_API_CLOSE_REQUEST, next: STATE_LL_CLOSING, guard: (*Conn).abortOpen},
			{event: EVENT_TIMEOUT, next: STATE_LL_CLOSING, guard: func(c *Conn, _ Event) bool {
				c.log.Warn("link reset timed out")
				c.notifyOpenResult(ERR_TIMEOUT)
				return true
			}},
		},
	},
	STATE_OPEN: {
		entry: (*Conn).enterOpen,
		transitions: []transition{
			{event: EVENT_API_CLOSE_REQUEST, next: STATE_PUBSUB_FLUSH, guard: func(c *Conn, _ Event) bool {
				c.closePending = true
				return true
			}},
		},
	},
	STATE_PUBSUB_FLUSH: {
		entry: (*Conn).enterPubsubFlush,
		exit:  (*Conn).disarmTimeout,
		transitions: []transition{
			{event: EVENT_PUBSUB_FLUSHED, next: STATE_LINK_DISCONNECT},
			{event: EVENT_TIMEOUT, next: STATE_LINK_DISCONNECT, guard: func(c *Conn, _ Event) bool {
				c.log.Warn("pubsub flush timed out")
				return true
			}},
		},
	},
	STATE_LINK_DISCONNECT: {
		entry: (*Conn).enterLinkDisconnect,
		exit:  (*Conn).disarmTimeout,
		transitions: []transition{
			{event: EVENT_LINK_DISCONNECT_ACK, next: STATE_LL_CLOSE_PENDING},
			{event: EVENT_TIMEOUT, next: STATE_LL_CLOSE_PENDING, guard: func(c *Conn, _ Event) bool {
				c.log.Warn("link disconnect timed out")
				return true
			}},
		},
	},
	STATE_LL_CLOSE_PENDING: {
		entry: (*Conn).enterLlClosePending,
		exit:  (*Conn).disarmTimeout,
		transitions: []transition{
			{event: EVENT_ADVANCE, next: STATE_LL_CLOSING},
			{event: EVENT_TIMEOUT, next: STATE_LL_CLOSING},
		},
	},
	STATE_LL_CLOSING: {
		entry: (*Conn).enterLlClosing,
		transitions: []transition{
			// finalize row must precede the plain close row
			{event: EVENT_BACKEND_CLOSE_ACK, next: STATE_FINALIZED, guard: func(c *Conn, _ Event) bool {
				return c.finalize.Load()
			}},
			{event: EVENT_BACKEND_CLOSE_ACK, next: STATE_CLOSED},
		},
	},
	STATE_FINALIZED: {
		entry: (*Conn).enterFinalized,
	},
}

// dispatch routes one event through the global rows and then the
// current state's rows. Events nothing claims are dropped. Runs on the
// driver goroutine only.
func (c *Conn) dispatch(ev Event) {
	if c.state == STATE_FINALIZED {
		return // terminal
	}
	if c.applyFirst(globalTransitions, ev) {
		return
	}
	if c.applyFirst(fsmTable[c.state].transitions, ev) {
		return
	}
	c.log.Debug("event ignored", zap.Stringer("event", ev), zap.Stringer("state", c.state))
}

func (c *Conn) applyFirst(rows []transition, ev Event) bool {
	for _, tr := range rows {
		if tr.event != ev {
			continue
		}
		if tr.guard != nil && !tr.guard(c, ev) {
			continue
		}
		if !tr.internal {
			c.transitionTo(tr.next)
		}
		return true
	}
	return false
}

// transitionTo runs the old state's exit action, switches states, and
// runs the new state's entry action, each exactly once. Entry actions
// must not dispatch inline; follow-up events go through the command
// queue via inject.
func (c *Conn) transitionTo(next State) {
	prev := c.state
	if def, ok := fsmTable[prev]; ok && def.exit != nil {
		def.exit(c)
	}
	c.state = next
	c.stateAtomic.Store(uint32(next))
	c.met.StateTransitions.WithLabelValues(next.String()).Inc()
	c.log.Info("state changed", zap.Stringer("from", prev), zap.Stringer("to", next))
	c.publishState()
	if def, ok := fsmTable[next]; ok && def.entry != nil {
		def.entry(c)
	}
}

// ackPeerReset answers a device-initiated link reset and realigns the
// inbound frame id expectation. The state does not change.
func (c *Conn) ackPeerReset(_ Event) bool {
	c.inSeen = false
	c.inID = 0
	c.sendControl(frame.CTRL_RESET_ACK)
	return true
}

// ackPeerDisconnect answers a device-initiated disconnect.
func (c *Conn) ackPeerDisconnect(_ Event) bool {
	c.sendControl(frame.CTRL_DISCONNECT_ACK)
	return true
}

// rejectOpenBusy fails open requests arriving outside CLOSED and
// NOT_PRESENT, which own their open handling.
func (c *Conn) rejectOpenBusy(_ Event) bool {
	if c.state == STATE_CLOSED || c.state == STATE_NOT_PRESENT {
		return false
	}
	c.notifyOpenResult(ERR_BUSY)
	return true
}

// finalizeIdle short-circuits finalization when there is nothing to
// tear down.
func (c *Conn) finalizeIdle(_ Event) bool {
	if !c.finalize.Load() {
		return false
	}
	return c.state == STATE_CLOSED || c.state == STATE_NOT_PRESENT
}

// abortOpen fails a pending open because a close request superseded it.
func (c *Conn) abortOpen(_ Event) bool {
	c.closePending = true
	c.notifyOpenResult(ERR_ABORTED)
	return true
}
