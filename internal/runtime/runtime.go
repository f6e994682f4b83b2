package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/content"
	"github.com/loqalabs/loqa-reader/internal/control"
	"github.com/loqalabs/loqa-reader/internal/device"
	"github.com/loqalabs/loqa-reader/internal/journal"
	"github.com/loqalabs/loqa-reader/internal/natsserver"
	"github.com/loqalabs/loqa-reader/internal/notify"
	"github.com/loqalabs/loqa-reader/internal/playback"
	"github.com/loqalabs/loqa-reader/internal/positions"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/loqalabs/loqa-reader/internal/recorder"
	"github.com/loqalabs/loqa-reader/internal/session"
)

// streamMaxAge bounds how long reader notifications stay in JetStream.
const streamMaxAge = 24 * time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	closers []func()
	bus     *bus.Client
	control *control.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds the reader, serves the control API and blocks until ctx is
// done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer r.closeAll()

	ctrl, err := r.build(ctx)
	if err != nil {
		return err
	}

	handler := (&api{
		sess:    ctrl,
		logger:  r.logger.With(slog.String("component", "api")),
		ready:   r.isReady,
		metrics: metricsHandler,
	}).routes()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.closeAll()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

// build wires the reader from the bottom up. Every component is registered
// for closing in reverse order.
func (r *Runtime) build(ctx context.Context) (*session.Controller, error) {
	cfg := r.cfg

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Bus.Enabled {
		client, err := r.startBus(ctx)
		if err != nil {
			return nil, err
		}
		notifier = notify.NewBusNotifier(client, r.logger)
	}

	store, err := r.openPositions(ctx)
	if err != nil {
		return nil, err
	}

	events, err := journal.Open(ctx, cfg.Journal, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	r.onClose(func() { _ = events.Close() })

	contentClient, err := content.New(content.Options{
		BaseURL: cfg.Content.BaseURL,
		Timeout: time.Duration(cfg.Content.TimeoutMS) * time.Millisecond,
		Logger:  r.logger,
	})
	if err != nil {
		return nil, err
	}

	rec, err := recorder.New(cfg.Recorder, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}

	dev := device.NewVirtual(device.VirtualOptions{
		Tick:   time.Duration(cfg.Playback.DeviceTickMS) * time.Millisecond,
		Rate:   cfg.Playback.DeviceRate,
		Logger: r.logger,
	})
	r.onClose(dev.Close)

	arb := playback.New(dev, store, playback.Options{
		SaveInterval: time.Duration(cfg.Playback.SaveIntervalMS) * time.Millisecond,
		Logger:       r.logger,
		Observer:     playback.Observers{journal.NewObserver(events, r.logger), notifier},
	})
	r.onClose(arb.Close)

	ctrl := session.New(session.Options{
		Arbitrator:  arb,
		Content:     contentClient,
		Positions:   store,
		Journal:     events,
		Recorder:    rec,
		Notifier:    notifier,
		Logger:      r.logger,
		RecordLimit: time.Duration(cfg.Recorder.MaxDurationMS) * time.Millisecond,
	})

	if r.bus != nil {
		svc := control.NewService(ctx, ctrl, r.bus.Conn(), r.logger)
		if err := svc.Start(); err != nil {
			return nil, fmt.Errorf("start control service: %w", err)
		}
		r.control = svc
		r.onClose(svc.Close)
	}
	return ctrl, nil
}

func (r *Runtime) startBus(ctx context.Context) (*bus.Client, error) {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats: %w", err)
	}
	if embedded != nil {
		r.onClose(embedded.Shutdown)
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.onClose(client.Close)
	if err := client.EnsureStream(protocol.StreamName, protocol.StreamSubjects, streamMaxAge); err != nil {
		r.logger.Warn("reader stream unavailable, notifications are not retained", slog.String("error", err.Error()))
	}
	r.bus = client
	return client, nil
}

func (r *Runtime) openPositions(ctx context.Context) (positions.Store, error) {
	switch r.cfg.Positions.Backend {
	case "memory":
		return positions.NewMemoryStore(), nil
	case "sqlite":
		store, err := positions.OpenSQLite(ctx, r.cfg.Positions.Path, r.logger)
		if err != nil {
			return nil, fmt.Errorf("open positions: %w", err)
		}
		r.onClose(func() { _ = store.Close() })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown positions backend %q", r.cfg.Positions.Backend)
	}
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.control == nil || r.control.Healthy()
}
