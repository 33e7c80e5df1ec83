package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/backend"
	"github.com/dbehnke/meterlink/internal/frame"
	"github.com/dbehnke/meterlink/internal/logging"
	"github.com/dbehnke/meterlink/internal/pubsub"
	"github.com/dbehnke/meterlink/internal/telemetry"
)

// Driver-local topics. Command topics ('!' action marker) are submitted
// handle-relative; everything the driver publishes upward appears on
// the bus under the device prefix.
const (
	MSG_OPEN     = "@/!open"
	MSG_CLOSE    = "@/!close"
	MSG_FINALIZE = "@/!finalize"

	TOPIC_STATE = "h/state"
	TOPIC_PING  = "h/link/!ping"
	TOPIC_PONG  = "h/link/pong"
	TOPIC_FLUSH = "h/link/!flush"

	// COMPLETION_SUFFIX appended to a command topic names its
	// completion topic, carrying an i32 status.
	COMPLETION_SUFFIX = "#"
)

// Completion status codes.
const (
	STATUS_OK       int32 = 0
	ERR_NOT_PRESENT int32 = 1
	ERR_BUSY        int32 = 2
	ERR_NOT_OPEN    int32 = 3
	ERR_BACKEND     int32 = 4
	ERR_TIMEOUT     int32 = 5
	ERR_ABORTED     int32 = 6
)

var (
	ErrFinalized   = errors.New("connection finalized")
	ErrNotPresent  = errors.New("device not present")
	ErrBusy        = errors.New("device busy")
	ErrNotOpen     = errors.New("device not open")
	ErrBackend     = errors.New("backend failure")
	ErrLinkTimeout = errors.New("link handshake timed out")
	ErrAborted     = errors.New("request aborted")
	ErrJoin        = errors.New("driver goroutine did not exit")
)

// statusError maps a completion status to its sentinel error.
func statusError(status int32) error {
	switch status {
	case STATUS_OK:
		return nil
	case ERR_NOT_PRESENT:
		return ErrNotPresent
	case ERR_BUSY:
		return ErrBusy
	case ERR_NOT_OPEN:
		return ErrNotOpen
	case ERR_BACKEND:
		return ErrBackend
	case ERR_TIMEOUT:
		return ErrLinkTimeout
	case ERR_ABORTED:
		return ErrAborted
	default:
		return fmt.Errorf("completion status %d", status)
	}
}

// Config holds the per-connection tunables.
type Config struct {
	Clock       clock.Clock   // nil means the wall clock
	PollTimeout time.Duration // driver wake cadence, default 100ms
	LinkTimeout time.Duration // handshake step timeout, default 1s
	QueueDepth  int           // command queue capacity, default 64
}

func (cfg *Config) applyDefaults() {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
}

type cmdKind uint8

const (
	cmdPublish cmdKind = iota
	cmdEvent
	cmdFinalize
)

type command struct {
	kind  cmdKind
	topic string
	value pubsub.Value
	event Event
	gen   uint32 // timeout generation, defeats stale timer wakeups
}

// Conn is one device connection. A single driver goroutine owns every
// mutable field below the sync markers: API calls communicate with it
// over the command queue, the backend over its response channel.
type Conn struct {
	// Configuration
	log         *zap.Logger
	met         *telemetry.Metrics
	clk         clock.Clock
	pollTimeout time.Duration
	linkTimeout time.Duration

	// Identity
	sessionID uuid.UUID
	prefix    string

	// Wiring
	dev  backend.Device
	bus  *pubsub.Bus
	cmds chan command
	done chan struct{}

	// Cross-goroutine state
	stateAtomic atomic.Uint32
	finalize    atomic.Bool
	inFrames    atomic.Uint64
	outFrames   atomic.Uint64

	// Driver goroutine state
	resp         <-chan backend.Response
	state        State
	present      bool
	openPending  bool
	closePending bool
	outID        uint16
	inID         uint16
	inSeen       bool
	flushNonce   uint32
	timerGen     uint32
	linkTimer    *clock.Timer
	tmap         *TimeMap

	// Cached per-device counters
	framesIn  prometheus.Counter
	framesOut prometheus.Counter
}

// New wires a connection around an attached device and starts its
// driver goroutine. The connection begins in STATE_CLOSED.
func New(dev backend.Device, bus *pubsub.Bus, met *telemetry.Metrics, cfg Config) *Conn {
	cfg.applyDefaults()
	info := dev.Info()

	c := &Conn{
		log:         logging.Logger("device").With(zap.String("device", info.String())),
		met:         met,
		clk:         cfg.Clock,
		pollTimeout: cfg.PollTimeout,
		linkTimeout: cfg.LinkTimeout,
		sessionID:   uuid.New(),
		prefix:      info.Prefix(),
		dev:         dev,
		bus:         bus,
		cmds:        make(chan command, cfg.QueueDepth),
		done:        make(chan struct{}),
		resp:        dev.Responses(),
		state:       STATE_CLOSED,
		present:     true,
		tmap:        NewTimeMap(),
		framesIn:    met.FramesIn.WithLabelValues(info.Serial),
		framesOut:   met.FramesOut.WithLabelValues(info.Serial),
	}
	c.stateAtomic.Store(uint32(STATE_CLOSED))
	c.log.Info("connection created", zap.Stringer("session", c.sessionID))

	go c.run()
	return c
}

// run is the driver goroutine: one select loop over the command queue,
// the backend stream, and the poll tick, drained fully on every wake.
func (c *Conn) run() {
	defer close(c.done)
	defer c.dev.Destroy()

	c.publishState()
	poll := c.clk.Ticker(c.pollTimeout)
	defer poll.Stop()

	for c.state != STATE_FINALIZED {
		select {
		case cmd := <-c.cmds:
			c.handleCmd(cmd)
		case rsp, ok := <-c.resp:
			if !ok {
				c.resp = nil
				c.deviceGone()
				break
			}
			c.handleRsp(rsp)
		case <-poll.C:
			// periodic wake matching the transport poll cadence
		}
		c.drain()
	}

	c.log.Info("driver exited", zap.Uint64("frames_in", c.inFrames.Load()))
}

// drain empties both queues before the next blocking wait, commands
// first. A closed response channel reads as device loss.
func (c *Conn) drain() {
	for c.state != STATE_FINALIZED {
		select {
		case cmd := <-c.cmds:
			c.handleCmd(cmd)
			continue
		default:
		}
		if c.resp == nil {
			return
		}
		select {
		case rsp, ok := <-c.resp:
			if !ok {
				c.resp = nil
				c.deviceGone()
				return
			}
			c.handleRsp(rsp)
		default:
			return
		}
	}
}

func (c *Conn) deviceGone() {
	if !c.present {
		return
	}
	c.log.Warn("device removed")
	c.present = false
	c.dispatch(EVENT_RESET)
}

func (c *Conn) handleCmd(cmd command) {
	switch cmd.kind {
	case cmdFinalize:
		c.dispatch(EVENT_API_CLOSE_REQUEST)
	case cmdEvent:
		if cmd.event == EVENT_TIMEOUT && cmd.gen != c.timerGen {
			return // stale timer
		}
		c.dispatch(cmd.event)
	case cmdPublish:
		c.handlePublish(cmd.topic, cmd.value)
	}
}

func (c *Conn) handlePublish(topic string, v pubsub.Value) {
	switch topic {
	case MSG_OPEN:
		c.dispatch(EVENT_API_OPEN_REQUEST)
	case MSG_CLOSE:
		c.dispatch(EVENT_API_CLOSE_REQUEST)
	case MSG_FINALIZE:
		c.finalize.Store(true)
		c.dispatch(EVENT_API_CLOSE_REQUEST)
	case TOPIC_PING:
		if c.state != STATE_OPEN {
			c.log.Warn("ping requires an open link", zap.Stringer("state", c.state))
			return
		}
		c.sendLink(frame.MSG_PING, v.Bytes)
	default:
		c.publishToDevice(topic, v)
	}
}

func (c *Conn) handleRsp(rsp backend.Response) {
	switch rsp.Kind {
	case backend.RSP_STREAM_DATA:
		for off := 0; off < len(rsp.Data); off += frame.FRAME_LENGTH {
			end := off + frame.FRAME_LENGTH
			if end > len(rsp.Data) {
				end = len(rsp.Data)
			}
			c.handleFrame(rsp.Data[off:end])
		}
	case backend.RSP_OPEN_ACK:
		c.dispatchAck(rsp.Status, EVENT_BACKEND_OPEN_ACK, EVENT_BACKEND_OPEN_NACK)
	case backend.RSP_OPEN_BULK_ACK:
		c.dispatchAck(rsp.Status, EVENT_BACKEND_OPEN_BULK_ACK, EVENT_BACKEND_OPEN_BULK_NACK)
	case backend.RSP_CLOSE_ACK:
		c.dispatch(EVENT_BACKEND_CLOSE_ACK)
	case backend.RSP_GONE:
		c.deviceGone()
	default:
		c.log.Warn("unsupported response", zap.Stringer("kind", rsp.Kind))
	}
}

func (c *Conn) dispatchAck(status int32, ack, nack Event) {
	if status == 0 {
		c.dispatch(ack)
		return
	}
	c.log.Warn("backend request failed", zap.Int32("status", status))
	c.dispatch(nack)
}

// inject queues a follow-up event from within the driver goroutine.
// Entry actions use this instead of dispatching inline, keeping
// transitions non-reentrant.
func (c *Conn) inject(ev Event) {
	select {
	case c.cmds <- command{kind: cmdEvent, event: ev, gen: c.timerGen}:
	default:
		c.log.Warn("command queue full, dropping event", zap.Stringer("event", ev))
	}
}

// armTimeout schedules EVENT_TIMEOUT for the current handshake step.
// The generation counter invalidates wakeups from superseded timers.
func (c *Conn) armTimeout(d time.Duration) {
	c.timerGen++
	gen := c.timerGen
	c.linkTimer = c.clk.AfterFunc(d, func() {
		select {
		case c.cmds <- command{kind: cmdEvent, event: EVENT_TIMEOUT, gen: gen}:
		case <-c.done:
		}
	})
}

func (c *Conn) disarmTimeout() {
	c.timerGen++
	if c.linkTimer != nil {
		c.linkTimer.Stop()
		c.linkTimer = nil
	}
}

func (c *Conn) enterNotPresent() {
	if c.openPending {
		c.notifyOpenResult(ERR_NOT_PRESENT)
	}
	if c.closePending {
		// removal released the handle, the close is effective
		c.notifyCloseResult(STATUS_OK)
	}
	if c.finalize.Load() {
		c.inject(EVENT_API_CLOSE_REQUEST)
	}
}

func (c *Conn) enterClosed() {
	if c.openPending {
		c.notifyOpenResult(ERR_ABORTED)
	}
	if c.closePending {
		c.notifyCloseResult(STATUS_OK)
	}
	if c.finalize.Load() {
		c.inject(EVENT_API_CLOSE_REQUEST)
	}
}

func (c *Conn) enterLlOpen() {
	if err := c.dev.Submit(backend.Request{Kind: backend.REQ_OPEN}); err != nil {
		c.log.Warn("backend open", zap.Error(err))
		c.inject(EVENT_BACKEND_OPEN_NACK)
	}
}

func (c *Conn) enterLlBulkOpen() {
	if err := c.dev.Submit(backend.Request{Kind: backend.REQ_OPEN_BULK}); err != nil {
		c.log.Warn("backend bulk open", zap.Error(err))
		c.inject(EVENT_BACKEND_OPEN_BULK_NACK)
	}
}

// enterOpen resolves the pending open after the atomic state mirror
// already shows STATE_OPEN, so callers observing the completion see
// the new state.
func (c *Conn) enterOpen() {
	if c.openPending {
		c.notifyOpenResult(STATUS_OK)
	}
}

// enterLinkReset starts the link handshake. Both sides restart their
// rolling frame ids at zero.
func (c *Conn) enterLinkReset() {
	c.outID = 0
	c.inID = 0
	c.inSeen = false
	c.sendControl(frame.CTRL_RESET_REQ)
	c.armTimeout(c.linkTimeout)
}

// enterPubsubFlush publishes a nonce on the flush topic; the device
// echoing it back proves every prior publish has round-tripped.
func (c *Conn) enterPubsubFlush() {
	c.flushNonce++
	c.publishToDevice(TOPIC_FLUSH, pubsub.U32(c.flushNonce))
	c.armTimeout(c.linkTimeout)
}

func (c *Conn) enterLinkDisconnect() {
	c.sendControl(frame.CTRL_DISCONNECT_REQ)
	c.armTimeout(c.linkTimeout)
}

// enterLlClosePending lets one full drain cycle run before the
// backend close, so in-flight stream frames are still processed.
func (c *Conn) enterLlClosePending() {
	c.armTimeout(c.linkTimeout)
	c.inject(EVENT_ADVANCE)
}

func (c *Conn) enterLlClosing() {
	if err := c.dev.Submit(backend.Request{Kind: backend.REQ_CLOSE}); err != nil {
		c.log.Warn("backend close", zap.Error(err))
		c.inject(EVENT_BACKEND_CLOSE_ACK)
	}
}

func (c *Conn) enterFinalized() {
	if c.openPending {
		c.notifyOpenResult(ERR_ABORTED)
	}
	if c.closePending {
		c.notifyCloseResult(STATUS_OK)
	}
}

func (c *Conn) notifyOpenResult(status int32) {
	c.openPending = false
	c.log.Info("open completed", zap.Int32("status", status))
	c.bus.Publish(c.prefix+"/"+MSG_OPEN+COMPLETION_SUFFIX, pubsub.I32(status))
}

func (c *Conn) notifyCloseResult(status int32) {
	c.closePending = false
	c.log.Info("close completed", zap.Int32("status", status))
	c.bus.Publish(c.prefix+"/"+MSG_CLOSE+COMPLETION_SUFFIX, pubsub.I32(status))
}

// Info returns the attached device's identity.
func (c *Conn) Info() backend.DeviceInfo { return c.dev.Info() }

// SessionID identifies this connection across the registry and logs.
func (c *Conn) SessionID() uuid.UUID { return c.sessionID }

// State reports the current lifecycle state.
func (c *Conn) State() State { return State(c.stateAtomic.Load()) }

// DeviceTime converts a device tick counter to host time using the
// most recent time synchronization.
func (c *Conn) DeviceTime(counter uint64) time.Time { return c.tmap.Time(counter) }

// FrameCounts reports the data frames accepted from and sent to the
// device so far.
func (c *Conn) FrameCounts() (in, out uint64) {
	return c.inFrames.Load(), c.outFrames.Load()
}

// Submit queues one handle-relative publish for the driver goroutine.
// Unrecognized topics are forwarded to the device over the pubsub
// service.
func (c *Conn) Submit(topic string, v pubsub.Value) error {
	select {
	case c.cmds <- command{kind: cmdPublish, topic: topic, value: v}:
		return nil
	case <-c.done:
		return ErrFinalized
	}
}

// Open brings the connection to STATE_OPEN and waits for the
// completion status. Completions are not correlated: concurrent calls
// on one connection observe first-come results.
func (c *Conn) Open(ctx context.Context) error {
	sub := c.bus.Subscribe(c.prefix+"/"+MSG_OPEN+COMPLETION_SUFFIX, 2)
	defer sub.Close()
	if err := c.Submit(MSG_OPEN, pubsub.Null()); err != nil {
		return err
	}
	return c.awaitCompletion(ctx, sub)
}

// Close tears the connection down to STATE_CLOSED and waits for the
// completion status.
func (c *Conn) Close(ctx context.Context) error {
	sub := c.bus.Subscribe(c.prefix+"/"+MSG_CLOSE+COMPLETION_SUFFIX, 2)
	defer sub.Close()
	if err := c.Submit(MSG_CLOSE, pubsub.Null()); err != nil {
		return err
	}
	return c.awaitCompletion(ctx, sub)
}

func (c *Conn) awaitCompletion(ctx context.Context, sub *pubsub.Subscription) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrFinalized
	case msg, ok := <-sub.C():
		if !ok {
			return ErrFinalized
		}
		return statusError(msg.Value.AsI32())
	}
}

// Ping round-trips data over the link service and verifies the echo.
// The link must be open; otherwise the call waits out its context.
func (c *Conn) Ping(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		data = make([]byte, 4)
	}
	if rem := len(data) % 4; rem != 0 {
		padded := make([]byte, len(data)+4-rem)
		copy(padded, data)
		data = padded
	}

	sub := c.bus.Subscribe(c.prefix+"/"+TOPIC_PONG, 4)
	defer sub.Close()
	if err := c.Submit(TOPIC_PING, pubsub.Bin(data)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrFinalized
		case msg, ok := <-sub.C():
			if !ok {
				return ErrFinalized
			}
			if bytes.Equal(msg.Value.Bytes, data) {
				return nil
			}
		}
	}
}

// Finalize requests permanent teardown. It returns immediately; use
// Join to wait for the driver goroutine.
func (c *Conn) Finalize() {
	if c.finalize.Swap(true) {
		return
	}
	select {
	case c.cmds <- command{kind: cmdFinalize}:
	case <-c.done:
	}
}

// Join waits for the driver goroutine to exit.
func (c *Conn) Join(timeout time.Duration) error {
	t := c.clk.Timer(timeout)
	defer t.Stop()
	select {
	case <-c.done:
		return nil
	case <-t.C:
		return ErrJoin
	}
}
