package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/backend"
	"github.com/dbehnke/meterlink/internal/config"
	"github.com/dbehnke/meterlink/internal/device"
	"github.com/dbehnke/meterlink/internal/logging"
	"github.com/dbehnke/meterlink/internal/pubsub"
	"github.com/dbehnke/meterlink/internal/registry"
	"github.com/dbehnke/meterlink/internal/telemetry"
)

// Gateway wires the registry, the pubsub bus, and the USB backend
// together for the CLI commands.
type Gateway struct {
	// Core components
	cfg     *config.Config
	log     *zap.Logger
	bus     *pubsub.Bus
	metrics *telemetry.Metrics
	promReg *prometheus.Registry

	// Device registry
	db     *registry.DB
	repo   *registry.Repository
	lookup *registry.Lookup

	// Background services
	metricsSrv *http.Server
	syncCancel context.CancelFunc
	wg         sync.WaitGroup

	// USB context, opened on first use
	usbMu  sync.Mutex
	usbCtx *gousb.Context
}

// NewGateway creates the shared service plumbing every command runs on.
func NewGateway(cfg *config.Config, dbPath, metricsListen string) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		log:     logging.Logger("gateway"),
		bus:     pubsub.NewBus(),
		promReg: prometheus.NewRegistry(),
	}
	g.metrics = telemetry.New(g.promReg)

	db, err := registry.NewDB(registry.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	g.db = db
	g.repo = registry.NewRepository(db)
	if err := g.repo.SeedDefaults(); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to seed device catalog: %w", err), db.Close())
	}
	g.lookup, err = registry.NewLookup(g.repo, cfg.GetCacheSize())
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create identity cache: %w", err), db.Close())
	}

	if metricsListen != "" {
		g.startMetrics(metricsListen)
	}

	if cfg.GetCatalogEnabled() {
		syncer := registry.NewSyncerWithConfig(g.repo, g.lookup, registry.SyncerConfig{
			URL:          cfg.GetCatalogURL(),
			SyncInterval: cfg.GetCatalogInterval(),
		})
		ctx, cancel := context.WithCancel(context.Background())
		g.syncCancel = cancel
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			syncer.Start(ctx)
		}()
	}

	return g, nil
}

func (g *Gateway) startMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{}))
	g.metricsSrv = &http.Server{Addr: listen, Handler: mux}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.log.Info("metrics listening", zap.String("address", listen))
		if err := g.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts down the background services and releases the registry
// and USB handles. Safe to call after a failed command.
func (g *Gateway) Stop() error {
	var errs error

	if g.syncCancel != nil {
		g.syncCancel()
	}
	if g.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = multierr.Append(errs, g.metricsSrv.Shutdown(ctx))
		cancel()
	}
	g.wg.Wait()

	g.bus.Close()

	g.usbMu.Lock()
	if g.usbCtx != nil {
		errs = multierr.Append(errs, g.usbCtx.Close())
		g.usbCtx = nil
	}
	g.usbMu.Unlock()

	return multierr.Append(errs, g.db.Close())
}

// usb returns the shared libusb context, creating it on first use so
// commands that never touch hardware skip libusb entirely.
func (g *Gateway) usb() *gousb.Context {
	g.usbMu.Lock()
	defer g.usbMu.Unlock()
	if g.usbCtx == nil {
		g.usbCtx = gousb.NewContext()
	}
	return g.usbCtx
}

// candidates builds the identity list enumeration matches against:
// every application-firmware catalog entry plus the configured
// override, if any.
func (g *Gateway) candidates() ([]backend.DeviceInfo, error) {
	types, err := g.repo.AppTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to load device catalog: %w", err)
	}
	infos := make([]backend.DeviceInfo, 0, len(types)+1)
	for i := range types {
		infos = append(infos, types[i].Info())
	}
	if g.cfg.HasUSBOverride() {
		infos = append(infos, backend.DeviceInfo{
			Model:     "custom",
			VendorID:  g.cfg.GetUSBVendor(),
			ProductID: g.cfg.GetUSBProduct(),
		})
	}
	return infos, nil
}

// openConn enumerates attached instruments, picks one by serial, and
// starts a driver connection for it. An empty serial is accepted when
// exactly one instrument is attached.
func (g *Gateway) openConn(serial string) (*device.Conn, error) {
	known, err := g.candidates()
	if err != nil {
		return nil, err
	}
	attached, err := backend.EnumerateUSB(g.usb(), known)
	if err != nil {
		return nil, fmt.Errorf("usb enumeration failed: %w", err)
	}

	var pick *backend.DeviceInfo
	switch {
	case serial != "":
		for i := range attached {
			if attached[i].Serial == serial {
				pick = &attached[i]
				break
			}
		}
		if pick == nil {
			return nil, fmt.Errorf("no attached instrument with serial %q", serial)
		}
	case len(attached) == 1:
		pick = &attached[0]
	case len(attached) == 0:
		return nil, errors.New("no instruments attached")
	default:
		return nil, fmt.Errorf("%d instruments attached, specify a serial", len(attached))
	}

	// The override row carries no model name; the cached catalog can
	// still resolve one, and catches firmware-mode devices.
	if typ, err := g.lookup.TypeFor(pick.VendorID, pick.ProductID); err == nil {
		if typ.Role != registry.ROLE_APP {
			return nil, fmt.Errorf("%s is running %s firmware, not application firmware", pick.Serial, typ.Role)
		}
		pick.Model = typ.Model
	}

	dev, err := backend.OpenUSB(g.usb(), *pick)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", pick.Serial, err)
	}
	return g.startConn(dev), nil
}

// startConn spawns the driver goroutine for a backend device and
// records the session.
func (g *Gateway) startConn(dev backend.Device) *device.Conn {
	conn := device.New(dev, g.bus, g.metrics, device.Config{
		PollTimeout: g.cfg.GetPollTimeout(),
		LinkTimeout: g.cfg.GetLinkTimeout(),
		QueueDepth:  g.cfg.GetQueueDepth(),
	})

	info := conn.Info()
	if err := g.repo.RecordOpen(&registry.Session{
		ID:     conn.SessionID().String(),
		Serial: info.Serial,
		Model:  info.Model,
	}); err != nil {
		g.log.Warn("failed to record session", zap.Error(err))
	}
	return conn
}

// finishConn finalizes a connection, waits for the driver goroutine,
// and closes out the session record with the outcome and frame counts.
func (g *Gateway) finishConn(conn *device.Conn) error {
	conn.Finalize()
	err := conn.Join(g.cfg.GetJoinTimeout())

	result := "ok"
	if err != nil {
		result = err.Error()
	}
	in, out := conn.FrameCounts()
	if rerr := g.repo.RecordClose(conn.SessionID().String(), result, in, out); rerr != nil {
		g.log.Warn("failed to close session record", zap.Error(rerr))
	}
	return err
}

// List prints the device catalog, the attached instruments, and the
// most recent sessions.
func (g *Gateway) List() error {
	types, err := g.repo.KnownTypes()
	if err != nil {
		return fmt.Errorf("failed to load device catalog: %w", err)
	}
	fmt.Println("Device catalog:")
	for i := range types {
		fmt.Printf("  %s\n", types[i].String())
	}
	if last, err := g.repo.LastCatalogUpdate(); err == nil && !last.IsZero() {
		fmt.Printf("  last updated %s\n", last.Format(time.RFC3339))
	}

	known, err := g.candidates()
	if err != nil {
		return err
	}
	attached, err := backend.EnumerateUSB(g.usb(), known)
	if err != nil {
		return fmt.Errorf("usb enumeration failed: %w", err)
	}
	fmt.Printf("\nAttached instruments: %d\n", len(attached))
	for _, info := range attached {
		fmt.Printf("  %s\n", info.String())
	}

	sessions, err := g.repo.RecentSessions(10)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	if len(sessions) > 0 {
		fmt.Println("\nRecent sessions:")
		for _, s := range sessions {
			closed := "still open"
			if s.ClosedAt != nil {
				closed = fmt.Sprintf("%s (%s)", s.ClosedAt.Format(time.RFC3339), s.Result)
			}
			fmt.Printf("  %s  %s/%s  opened %s  closed %s  frames in/out %d/%d\n",
				s.ID, s.Model, s.Serial, s.OpenedAt.Format(time.RFC3339), closed, s.FramesIn, s.FramesOut)
		}
	}
	return nil
}

// Ping opens an instrument, round-trips one link ping, and closes it.
func (g *Gateway) Ping(ctx context.Context, serial string) error {
	conn, err := g.openConn(serial)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.finishConn(conn); err != nil {
			g.log.Warn("connection shutdown", zap.Error(err))
		}
	}()

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Open(opCtx); err != nil {
		return fmt.Errorf("failed to open %s: %w", conn.Info().Serial, err)
	}

	start := time.Now()
	if err := conn.Ping(opCtx, []byte("meterlink")); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	fmt.Printf("%s: ping ok in %s\n", conn.Info().String(), time.Since(start).Round(time.Microsecond))

	return conn.Close(opCtx)
}

// Monitor opens an instrument and prints everything it publishes until
// the context is cancelled.
func (g *Gateway) Monitor(ctx context.Context, serial string) error {
	conn, err := g.openConn(serial)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.finishConn(conn); err != nil {
			g.log.Warn("connection shutdown", zap.Error(err))
		}
	}()

	// Subscribe before opening so the retained state topic and every
	// handshake publish land on the channel.
	sub := g.bus.Subscribe(conn.Info().Prefix(), 256)
	defer sub.Close()

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = conn.Open(opCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", conn.Info().Serial, err)
	}

	fmt.Printf("monitoring %s, ctrl-c to stop\n", conn.Info().String())
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			fmt.Printf("%s  %s\n", msg.Topic, msg.Value.String())
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return conn.Close(closeCtx)
		}
	}
}

// Loopback runs the full connection lifecycle against the in-process
// emulator: open, link ping, a pubsub round trip, close.
func (g *Gateway) Loopback(ctx context.Context) error {
	conn := g.startConn(backend.NewLoopback("LOOP0001"))
	defer func() {
		if err := g.finishConn(conn); err != nil {
			g.log.Warn("connection shutdown", zap.Error(err))
		}
	}()

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Open(opCtx); err != nil {
		return fmt.Errorf("open failed: %w", err)
	}
	fmt.Printf("%s: %s\n", conn.Info().String(), conn.State())

	if err := conn.Ping(opCtx, []byte("loopback")); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	fmt.Println("link ping ok")

	// The emulator echoes every host publish back out its stream.
	echo := g.bus.Subscribe(conn.Info().Prefix()+"/s/demo", 4)
	defer echo.Close()
	if err := conn.Submit("s/demo", pubsub.F32(3.3)); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	select {
	case msg := <-echo.C():
		fmt.Printf("echo %s = %s\n", msg.Topic, msg.Value.String())
	case <-opCtx.Done():
		return fmt.Errorf("no echo from emulator: %w", opCtx.Err())
	}

	if err := conn.Close(opCtx); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	fmt.Println("loopback complete")
	return nil
}
