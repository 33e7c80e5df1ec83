package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbehnke/meterlink/internal/backend"
	"github.com/dbehnke/meterlink/internal/frame"
	"github.com/dbehnke/meterlink/internal/pubsub"
	"github.com/dbehnke/meterlink/internal/telemetry"
)

// scriptDevice acks lifecycle requests, records every outbound frame,
// and lets tests push crafted stream responses. With handshake set it
// answers control requests; with flushEcho set it echoes flush
// records, which is the minimum for a graceful close.
type scriptDevice struct {
	mu        sync.Mutex
	rsp       chan backend.Response
	sent      [][]byte
	handshake bool
	flushEcho bool
	destroyed sync.Once
}

func newScriptDevice(handshake, flushEcho bool) *scriptDevice {
	return &scriptDevice{
		rsp:       make(chan backend.Response, 256),
		handshake: handshake,
		flushEcho: flushEcho,
	}
}

func (d *scriptDevice) Info() backend.DeviceInfo {
	return backend.DeviceInfo{Model: "m220", Serial: "scripted", VendorID: 0x16d0, ProductID: 0x10b9}
}

func (d *scriptDevice) Responses() <-chan backend.Response { return d.rsp }

func (d *scriptDevice) Submit(req backend.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch req.Kind {
	case backend.REQ_OPEN:
		d.rsp <- backend.Response{Kind: backend.RSP_OPEN_ACK}
	case backend.REQ_OPEN_BULK:
		d.rsp <- backend.Response{Kind: backend.RSP_OPEN_BULK_ACK}
	case backend.REQ_CLOSE:
		d.rsp <- backend.Response{Kind: backend.RSP_CLOSE_ACK}
	case backend.REQ_BULK_OUT:
		cp := make([]byte, len(req.Data))
		copy(cp, req.Data)
		d.sent = append(d.sent, cp)
		d.react(cp)
	}
	return nil
}

func (d *scriptDevice) react(buf []byte) {
	f, err := frame.Decode(buf)
	if err != nil {
		return
	}
	if f.Type == frame.FT_CONTROL && d.handshake {
		switch f.Control() {
		case frame.CTRL_RESET_REQ:
			d.rsp <- backend.Response{Kind: backend.RSP_STREAM_DATA, Data: frame.EncodeControl(frame.CTRL_RESET_ACK)}
		case frame.CTRL_DISCONNECT_REQ:
			d.rsp <- backend.Response{Kind: backend.RSP_STREAM_DATA, Data: frame.EncodeControl(frame.CTRL_DISCONNECT_ACK)}
		}
		return
	}
	if f.Type == frame.FT_DATA && f.Service == frame.ST_PUBSUB && d.flushEcho {
		if topic, _, err := pubsub.DecodeRecord(f.Payload, f.Metadata); err == nil && topic == TOPIC_FLUSH {
			echo, _ := frame.EncodeData(frame.ST_PUBSUB, f.Metadata, f.Payload, 0)
			d.rsp <- backend.Response{Kind: backend.RSP_STREAM_DATA, Data: echo}
		}
	}
}

// emit pushes one crafted DATA frame as inbound stream data.
func (d *scriptDevice) emit(t *testing.T, service frame.ServiceType, metadata uint16, payload []byte, id uint16) {
	t.Helper()
	buf, err := frame.EncodeData(service, metadata, payload, id)
	require.NoError(t, err)
	d.rsp <- backend.Response{Kind: backend.RSP_STREAM_DATA, Data: buf}
}

func (d *scriptDevice) emitRaw(data []byte) {
	d.rsp <- backend.Response{Kind: backend.RSP_STREAM_DATA, Data: data}
}

func (d *scriptDevice) sentFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

func (d *scriptDevice) Destroy() {
	d.destroyed.Do(func() { close(d.rsp) })
}

func newTestConn(t *testing.T, dev backend.Device, cfg Config) (*Conn, *pubsub.Bus, *telemetry.Metrics) {
	t.Helper()
	bus := pubsub.NewBus()
	met := telemetry.New(nil)
	c := New(dev, bus, met, cfg)
	t.Cleanup(func() {
		c.Finalize()
		_ = c.Join(time.Second)
		bus.Close()
	})
	return c, bus, met
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnOpenClose(t *testing.T) {
	dev := backend.NewLoopback("unit-0001")
	c, bus, _ := newTestConn(t, dev, Config{})

	require.Equal(t, STATE_CLOSED, c.State())

	require.NoError(t, c.Open(testCtx(t)))
	assert.Equal(t, STATE_OPEN, c.State())

	v, ok := bus.Retained("d/unit-0001/" + TOPIC_STATE)
	require.True(t, ok)
	assert.Equal(t, uint32(STATE_OPEN), v.AsU32())

	require.NoError(t, c.Close(testCtx(t)))
	assert.Equal(t, STATE_CLOSED, c.State())

	v, ok = bus.Retained("d/unit-0001/" + TOPIC_STATE)
	require.True(t, ok)
	assert.Equal(t, uint32(STATE_CLOSED), v.AsU32())
}

func TestConnPublishRoundTrip(t *testing.T) {
	dev := backend.NewLoopback("unit-0002")
	c, bus, _ := newTestConn(t, dev, Config{})
	require.NoError(t, c.Open(testCtx(t)))

	sub := bus.Subscribe("d/unit-0002/s/v/setpoint", 4)
	defer sub.Close()

	require.NoError(t, c.Submit("s/v/setpoint", pubsub.F64(1.25)))

	select {
	case msg := <-sub.C():
		assert.Equal(t, "d/unit-0002/s/v/setpoint", msg.Topic)
		assert.Equal(t, pubsub.TYPE_F64, msg.Value.Type)
		assert.Equal(t, 1.25, msg.Value.AsF64())
	case <-time.After(time.Second):
		t.Fatal("echoed publish never reached the bus")
	}
}

func TestConnPing(t *testing.T) {
	dev := backend.NewLoopback("unit-0003")
	c, _, _ := newTestConn(t, dev, Config{})
	require.NoError(t, c.Open(testCtx(t)))

	require.NoError(t, c.Ping(testCtx(t), []byte{1, 2, 3, 4, 5}))
	require.NoError(t, c.Ping(testCtx(t), nil))
}

func TestConnOpenWhileOpenIsBusy(t *testing.T) {
	dev := backend.NewLoopback("unit-0004")
	c, _, _ := newTestConn(t, dev, Config{})
	require.NoError(t, c.Open(testCtx(t)))

	err := c.Open(testCtx(t))
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, STATE_OPEN, c.State())
}

func TestConnCloseWhileClosed(t *testing.T) {
	dev := backend.NewLoopback("unit-0005")
	c, _, _ := newTestConn(t, dev, Config{})

	err := c.Close(testCtx(t))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestConnOpenAfterRemoval(t *testing.T) {
	dev := backend.NewLoopback("unit-0006")
	c, _, _ := newTestConn(t, dev, Config{})
	require.NoError(t, c.Open(testCtx(t)))

	dev.Destroy()
	require.Eventually(t, func() bool { return c.State() == STATE_NOT_PRESENT },
		time.Second, time.Millisecond)

	err := c.Open(testCtx(t))
	assert.ErrorIs(t, err, ErrNotPresent)

	err = c.Close(testCtx(t))
	assert.ErrorIs(t, err, ErrNotPresent)
}

func TestConnFinalize(t *testing.T) {
	dev := backend.NewLoopback("unit-0007")
	bus := pubsub.NewBus()
	defer bus.Close()
	c := New(dev, bus, telemetry.New(nil), Config{})

	c.Finalize()
	c.Finalize() // idempotent
	require.NoError(t, c.Join(time.Second))
	assert.Equal(t, STATE_FINALIZED, c.State())

	err := c.Submit("s/v/x", pubsub.U8(1))
	assert.ErrorIs(t, err, ErrFinalized)
}

func TestConnFinalizeWhileOpen(t *testing.T) {
	dev := backend.NewLoopback("unit-0008")
	bus := pubsub.NewBus()
	defer bus.Close()
	c := New(dev, bus, telemetry.New(nil), Config{})
	require.NoError(t, c.Open(testCtx(t)))

	c.Finalize()
	require.NoError(t, c.Join(time.Second))
	assert.Equal(t, STATE_FINALIZED, c.State())
}

func TestConnGracefulCloseSequence(t *testing.T) {
	dev := newScriptDevice(true, true)
	c, _, _ := newTestConn(t, dev, Config{})
	require.NoError(t, c.Open(testCtx(t)))
	require.NoError(t, c.Submit("s/v/setpoint", pubsub.F32(3.5)))
	require.NoError(t, c.Close(testCtx(t)))

	frames := dev.sentFrames()
	require.Len(t, frames, 4)

	f0, err := frame.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, frame.CTRL_RESET_REQ, f0.Control())

	f1, err := frame.Decode(frames[1])
	require.NoError(t, err)
	topic, v, err := pubsub.DecodeRecord(f1.Payload, f1.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "s/v/setpoint", topic)
	assert.Equal(t, float32(3.5), v.AsF32())

	f2, err := frame.Decode(frames[2])
	require.NoError(t, err)
	topic, _, err = pubsub.DecodeRecord(f2.Payload, f2.Metadata)
	require.NoError(t, err)
	assert.Equal(t, TOPIC_FLUSH, topic)

	f3, err := frame.Decode(frames[3])
	require.NoError(t, err)
	assert.Equal(t, frame.CTRL_DISCONNECT_REQ, f3.Control())

	// data frames carry consecutive ids starting at zero
	assert.Equal(t, uint16(0), f1.FrameID)
	assert.Equal(t, uint16(1), f2.FrameID)
}

func TestConnLinkResetTimeout(t *testing.T) {
	mock := clock.NewMock()
	dev := newScriptDevice(false, false)
	c, _, _ := newTestConn(t, dev, Config{Clock: mock})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Open(context.Background()) }()

	require.Eventually(t, func() bool { return c.State() == STATE_LINK_RESET },
		time.Second, time.Millisecond)

	// the link timer arms after the state becomes visible; advance
	// until the wakeup lands
	var openErr error
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case openErr = <-errCh:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, openErr, ErrLinkTimeout)

	require.Eventually(t, func() bool { return c.State() == STATE_CLOSED },
		time.Second, time.Millisecond)
}

func TestConnCloseTimeoutChain(t *testing.T) {
	mock := clock.NewMock()
	dev := newScriptDevice(false, false)
	c, bus, _ := newTestConn(t, dev, Config{Clock: mock})

	states := bus.Subscribe("d/scripted/"+TOPIC_STATE, 16)
	defer states.Close()

	openErr := make(chan error, 1)
	go func() { openErr <- c.Open(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == STATE_LINK_RESET },
		time.Second, time.Millisecond)
	dev.emitRaw(frame.EncodeControl(frame.CTRL_RESET_ACK))

	select {
	case err := <-openErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("open never completed")
	}

	// neither the flush echo nor the disconnect ack will arrive; every
	// hop of the close chain must come from its timer
	closeErr := make(chan error, 1)
	go func() { closeErr <- c.Close(context.Background()) }()

	var err error
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case err = <-closeErr:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, STATE_CLOSED, c.State())

	var walked []State
	for len(states.C()) > 0 {
		msg := <-states.C()
		walked = append(walked, State(msg.Value.AsU32()))
	}
	require.NotEmpty(t, walked)
	assert.Contains(t, walked, STATE_PUBSUB_FLUSH)
	assert.Contains(t, walked, STATE_LINK_DISCONNECT)
	assert.Contains(t, walked, STATE_LL_CLOSE_PENDING)
	assert.Equal(t, STATE_CLOSED, walked[len(walked)-1])
}

func TestConnStaleTimeoutIgnored(t *testing.T) {
	mock := clock.NewMock()
	dev := newScriptDevice(false, false)
	c, _, _ := newTestConn(t, dev, Config{Clock: mock})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Open(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == STATE_LINK_RESET },
		time.Second, time.Millisecond)

	// generation 0 predates the timer armed on reset entry
	c.cmds <- command{kind: cmdEvent, event: EVENT_TIMEOUT, gen: 0}
	require.Eventually(t, func() bool { return len(c.cmds) == 0 },
		time.Second, time.Millisecond)
	assert.Equal(t, STATE_LINK_RESET, c.State())

	dev.emitRaw(frame.EncodeControl(frame.CTRL_RESET_ACK))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("open never completed")
	}
	assert.Equal(t, STATE_OPEN, c.State())

	// the mock clock cannot drive the close chain; removal lets the
	// cleanup finalize promptly
	dev.Destroy()
	require.Eventually(t, func() bool { return c.State() == STATE_NOT_PRESENT },
		time.Second, time.Millisecond)
}

func TestConnFrameGapDetection(t *testing.T) {
	dev := newScriptDevice(false, false)
	c, bus, met := newTestConn(t, dev, Config{})

	sub := bus.Subscribe("d/scripted/s/v/current", 8)
	defer sub.Close()

	record, metadata, _, err := pubsub.EncodeRecord("s/v/current", pubsub.U32(42))
	require.NoError(t, err)
	for _, id := range []uint16{0, 1, 3, 4} {
		dev.emit(t, frame.ST_PUBSUB, metadata, record, id)
	}

	for i := 0; i < 4; i++ {
		select {
		case <-sub.C():
		case <-time.After(time.Second):
			t.Fatalf("relay %d never arrived", i)
		}
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(met.SequenceGaps))
	assert.Equal(t, STATE_CLOSED, c.State())
}

func TestConnCountsFramingErrors(t *testing.T) {
	dev := newScriptDevice(false, false)
	c, _, met := newTestConn(t, dev, Config{})

	dev.emitRaw([]byte{0xAA, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.Eventually(t, func() bool { return testutil.ToFloat64(met.FramingErrors) == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, STATE_CLOSED, c.State())
}

func TestConnAnswersPeerReset(t *testing.T) {
	dev := newScriptDevice(false, false)
	c, _, _ := newTestConn(t, dev, Config{})

	dev.emitRaw(frame.EncodeControl(frame.CTRL_RESET_REQ))

	require.Eventually(t, func() bool {
		for _, buf := range dev.sentFrames() {
			if f, err := frame.Decode(buf); err == nil && f.Type == frame.FT_CONTROL && f.Control() == frame.CTRL_RESET_ACK {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, STATE_CLOSED, c.State())
}

func TestConnAnswersPeerResetWhileOpen(t *testing.T) {
	dev := newScriptDevice(true, true)
	c, _, _ := newTestConn(t, dev, Config{})
	require.NoError(t, c.Open(testCtx(t)))

	dev.emitRaw(frame.EncodeControl(frame.CTRL_RESET_REQ))

	require.Eventually(t, func() bool {
		for _, buf := range dev.sentFrames() {
			if f, err := frame.Decode(buf); err == nil && f.Type == frame.FT_CONTROL && f.Control() == frame.CTRL_RESET_ACK {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	assert.Equal(t, STATE_OPEN, c.State())
}

func TestConnRelayStripsQuerySuffix(t *testing.T) {
	dev := newScriptDevice(false, false)
	c, bus, _ := newTestConn(t, dev, Config{})

	sub := bus.Subscribe("d/scripted/s/i/range", 4)
	defer sub.Close()

	record, metadata, _, err := pubsub.EncodeRecord("s/i/range?", pubsub.U8(3))
	require.NoError(t, err)
	dev.emit(t, frame.ST_PUBSUB, metadata, record, 0)

	select {
	case msg := <-sub.C():
		assert.Equal(t, "d/scripted/s/i/range", msg.Topic)
		assert.Equal(t, uint64(3), msg.Value.AsU64())
	case <-time.After(time.Second):
		t.Fatal("relay never arrived")
	}
	assert.Equal(t, STATE_CLOSED, c.State())
}

func TestConnRelaysPong(t *testing.T) {
	dev := newScriptDevice(false, false)
	c, bus, _ := newTestConn(t, dev, Config{})

	sub := bus.Subscribe("d/scripted/"+TOPIC_PONG, 4)
	defer sub.Close()

	payload := []byte{9, 8, 7, 6}
	dev.emit(t, frame.ST_LINK, uint16(frame.MSG_PONG), payload, 0)

	select {
	case msg := <-sub.C():
		assert.Equal(t, pubsub.TYPE_BIN, msg.Value.Type)
		assert.Equal(t, payload, msg.Value.Bytes)
	case <-time.After(time.Second):
		t.Fatal("pong never relayed")
	}
	assert.Equal(t, STATE_CLOSED, c.State())
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		status int32
		want   error
	}{
		{STATUS_OK, nil},
		{ERR_NOT_PRESENT, ErrNotPresent},
		{ERR_BUSY, ErrBusy},
		{ERR_NOT_OPEN, ErrNotOpen},
		{ERR_BACKEND, ErrBackend},
		{ERR_TIMEOUT, ErrLinkTimeout},
		{ERR_ABORTED, ErrAborted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusError(tt.status))
	}
	assert.Error(t, statusError(99))
}
