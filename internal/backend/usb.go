package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/frame"
	"github.com/dbehnke/meterlink/internal/logging"
)

// ErrNotAttached reports that no matching device is on the bus.
var ErrNotAttached = fmt.Errorf("device not attached")

// USB drives a physical instrument over its vendor bulk interface.
// REQ_OPEN claims the interface, REQ_OPEN_BULK starts the stream
// goroutines, and a persistent bulk-in error surfaces as RSP_GONE.
type USB struct {
	log  *zap.Logger
	info DeviceInfo
	dev  *gousb.Device

	// opMu serializes Submit and Destroy; the stream goroutines never
	// take it.
	opMu     sync.Mutex
	intf     *gousb.Interface
	intfDone func()
	in       *gousb.InEndpoint
	out      *gousb.OutEndpoint
	ioCancel context.CancelFunc
	ioWG     sync.WaitGroup
	writeQ   chan []byte

	// mu guards the response queue state shared with the stream
	// goroutines.
	mu     sync.Mutex
	rsp    chan Response
	closed bool
	gone   bool
}

// OpenUSB opens the first attached device matching info's vendor and
// product ids. The returned device holds the USB handle but claims no
// interface until REQ_OPEN.
func OpenUSB(ctx *gousb.Context, info DeviceInfo) (*USB, error) {
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(info.VendorID), gousb.ID(info.ProductID))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, info)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		logging.Logger("backend.usb").Warn("auto detach", zap.Error(err))
	}
	if serial, err := dev.SerialNumber(); err == nil && serial != "" {
		info.Serial = serial
	}

	return &USB{
		log:    logging.Logger("backend.usb").With(zap.String("device", info.String())),
		info:   info,
		dev:    dev,
		rsp:    make(chan Response, 256),
		writeQ: make(chan []byte, 64),
	}, nil
}

// EnumerateUSB lists attached devices matching any of the known
// vendor/product pairs, with serials filled in.
func EnumerateUSB(ctx *gousb.Context, known []DeviceInfo) ([]DeviceInfo, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, k := range known {
			if desc.Vendor == gousb.ID(k.VendorID) && desc.Product == gousb.ID(k.ProductID) {
				return true
			}
		}
		return false
	})
	for _, d := range devs {
		defer d.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}

	var found []DeviceInfo
	for _, d := range devs {
		for _, k := range known {
			if d.Desc.Vendor != gousb.ID(k.VendorID) || d.Desc.Product != gousb.ID(k.ProductID) {
				continue
			}
			info := k
			if serial, err := d.SerialNumber(); err == nil {
				info.Serial = serial
			}
			found = append(found, info)
			break
		}
	}
	return found, nil
}

func (u *USB) Info() DeviceInfo           { return u.info }
func (u *USB) Responses() <-chan Response { return u.rsp }

// Submit services one transport request. Acks are queued on Responses;
// only queue exhaustion is reported synchronously.
func (u *USB) Submit(req Request) error {
	u.opMu.Lock()
	defer u.opMu.Unlock()
	if u.isClosed() {
		return fmt.Errorf("%w: %s", ErrNotAttached, u.info)
	}

	switch req.Kind {
	case REQ_OPEN:
		u.push(Response{Kind: RSP_OPEN_ACK, Status: u.claim()})
	case REQ_OPEN_BULK:
		u.push(Response{Kind: RSP_OPEN_BULK_ACK, Status: u.startIO()})
	case REQ_CLOSE:
		u.stopIO()
		u.release()
		u.push(Response{Kind: RSP_CLOSE_ACK})
	case REQ_BULK_OUT:
		select {
		case u.writeQ <- req.Data:
		default:
			u.log.Warn("bulk-out queue full, dropping frame")
			return fmt.Errorf("bulk-out queue full")
		}
	default:
		u.log.Warn("unsupported request", zap.Stringer("kind", req.Kind))
	}
	return nil
}

// Destroy stops stream I/O, releases the interface and handle, and
// closes Responses after a final RSP_GONE.
func (u *USB) Destroy() {
	u.opMu.Lock()
	defer u.opMu.Unlock()
	if u.isClosed() {
		return
	}
	u.stopIO()
	u.release()
	if err := u.dev.Close(); err != nil {
		u.log.Warn("close device", zap.Error(err))
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.sendLocked(Response{Kind: RSP_GONE})
	u.closed = true
	close(u.rsp)
}

// claim acquires the vendor interface. Status 0 is success.
func (u *USB) claim() int32 {
	if u.intf != nil {
		return 0
	}
	intf, done, err := u.dev.DefaultInterface()
	if err != nil {
		u.log.Warn("claim interface", zap.Error(err))
		return 1
	}
	u.intf = intf
	u.intfDone = done
	return 0
}

func (u *USB) release() {
	if u.intf == nil {
		return
	}
	u.intfDone()
	u.intf = nil
	u.intfDone = nil
	u.in = nil
	u.out = nil
}

// startIO resolves the bulk endpoints and starts the reader and writer
// goroutines. Status 0 is success.
func (u *USB) startIO() int32 {
	if u.intf == nil {
		u.log.Warn("bulk open before interface claim")
		return 1
	}
	if u.ioCancel != nil {
		return 0
	}

	in, err := u.intf.InEndpoint(int(EP_BULK_IN & 0x0f))
	if err != nil {
		u.log.Warn("bulk-in endpoint", zap.Error(err))
		return 1
	}
	out, err := u.intf.OutEndpoint(int(EP_BULK_OUT & 0x0f))
	if err != nil {
		u.log.Warn("bulk-out endpoint", zap.Error(err))
		return 1
	}
	u.in = in
	u.out = out

	ctx, cancel := context.WithCancel(context.Background())
	u.ioCancel = cancel
	u.ioWG.Add(2)
	go u.reader(ctx, in)
	go u.writer(ctx, out)
	return 0
}

// stopIO cancels the stream goroutines and waits them out. The
// goroutines only touch u.mu, never u.opMu, so waiting under opMu
// cannot deadlock.
func (u *USB) stopIO() {
	if u.ioCancel == nil {
		return
	}
	u.ioCancel()
	u.ioCancel = nil
	u.ioWG.Wait()
}

// reader pumps 512-byte bulk-in transfers into Responses until the
// stream stops or fails.
func (u *USB) reader(ctx context.Context, in *gousb.InEndpoint) {
	defer u.ioWG.Done()
	buf := make([]byte, frame.FRAME_LENGTH)
	for {
		n, err := in.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.log.Warn("bulk-in read", zap.Error(err))
			u.streamGone()
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		u.push(Response{Kind: RSP_STREAM_DATA, Data: data})
	}
}

// writer drains the bulk-out queue.
func (u *USB) writer(ctx context.Context, out *gousb.OutEndpoint) {
	defer u.ioWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-u.writeQ:
			if _, err := out.WriteContext(ctx, data); err != nil {
				if ctx.Err() != nil {
					return
				}
				u.log.Warn("bulk-out write", zap.Error(err))
				u.streamGone()
				return
			}
		}
	}
}

// streamGone reports device loss exactly once.
func (u *USB) streamGone() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gone || u.closed {
		return
	}
	u.gone = true
	u.sendLocked(Response{Kind: RSP_GONE})
}

func (u *USB) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// push queues one response, dropping on overflow so the transport
// never stalls behind a slow consumer.
func (u *USB) push(rsp Response) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.sendLocked(rsp)
}

func (u *USB) sendLocked(rsp Response) {
	select {
	case u.rsp <- rsp:
	default:
		u.log.Warn("response queue full, dropping", zap.Stringer("kind", rsp.Kind))
	}
}
