package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/pion/transport/v3"

	"github.com/cncnet/cncnet-tunnel/internal/announce"
	"github.com/cncnet/cncnet-tunnel/internal/config"
	"github.com/cncnet/cncnet-tunnel/internal/control"
	"github.com/cncnet/cncnet-tunnel/internal/httpserver"
	"github.com/cncnet/cncnet-tunnel/internal/metrics"
	"github.com/cncnet/cncnet-tunnel/internal/observer"
	"github.com/cncnet/cncnet-tunnel/internal/registry"
	"github.com/cncnet/cncnet-tunnel/internal/relay"
)

// errBind marks failures to bind a socket, which exit with status 1 rather
// than the configuration status 2.
var errBind = errors.New("bind failed")

var errMaintenance = errors.New("maintenance mode")

// tunnel is the assembled process: registry, relay loop, control API and
// master announcer.
type tunnel struct {
	cfg       config.Config
	log       *slog.Logger
	sink      observer.Sink
	hub       *observer.Hub
	metrics   *metrics.Metrics
	registry  *registry.Registry
	relay     *relay.Relay
	http      *httpserver.Server
	announcer *announce.Announcer

	stopAnnounce context.CancelFunc
	wg           sync.WaitGroup
}

func statusLine(s registry.Stats) string {
	line := strconv.Itoa(s.ActiveCount) + "/" + strconv.Itoa(s.MaxClients) + " slots in use"
	if s.Maintenance {
		line += " (maintenance)"
	}
	return line
}

// newTunnel wires every component. hub may be nil when the observer stream is
// disabled. The UDP socket is bound on nw before newTunnel returns.
func newTunnel(cfg config.Config, logger *slog.Logger, sink observer.Sink, hub *observer.Hub, nw transport.Net, build httpserver.BuildInfo) (*tunnel, error) {
	if sink == nil {
		sink = observer.Nop{}
	}
	t := &tunnel{
		cfg:     cfg,
		log:     logger,
		sink:    sink,
		hub:     hub,
		metrics: metrics.New(),
	}

	t.registry = registry.New(registry.Config{
		Name:       cfg.Name,
		MaxClients: cfg.MaxClients,
		Password:   cfg.Password,
		IPLimit:    cfg.IPLimit,
		BindMatch:  cfg.BindMatch,
		Metrics:    t.metrics,
		OnChange: func(s registry.Stats) {
			sink.Status(statusLine(s))
		},
	})
	if err := t.registerGauges(); err != nil {
		return nil, err
	}

	ann, err := announce.New(announce.Config{
		MasterURL:      cfg.MasterURL,
		MasterPassword: cfg.MasterPassword,
		PublicHost:     cfg.PublicHost,
		Port:           cfg.Port,
		Interval:       cfg.AnnounceInterval,
		Timeout:        cfg.AnnounceTimeout,
		Disabled:       cfg.NoMaster,
	}, t.registry, t.metrics, logger.With("component", "announce"))
	if err != nil {
		return nil, err
	}
	t.announcer = ann

	t.http = httpserver.New(cfg, logger, build)
	control.New(t.registry, control.Config{
		MaxClients:          cfg.MaxClients,
		MaintenancePassword: cfg.MaintenancePassword,
	}, logger.With("component", "control")).Register(t.http.Mux())
	t.http.Mux().Handle("GET /metrics", metrics.PrometheusHandler(t.metrics))
	if hub != nil {
		t.http.Mux().Handle("GET /events", hub)
	}
	t.http.SetReadinessCheck(func() error {
		if t.registry.Maintenance() {
			return errMaintenance
		}
		return nil
	})

	r, err := relay.Listen(nw, relay.Config{
		ListenAddr:        cfg.RelayListenAddr(),
		MaxDatagramBytes:  cfg.MaxDatagramBytes,
		IdleTimeout:       cfg.IdleTimeout,
		SweepInterval:     cfg.SweepInterval,
		DropLogsPerSecond: cfg.DropLogsPerSecond,
	}, t.registry, t.metrics, logger.With("component", "relay"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBind, err)
	}
	t.relay = r
	return t, nil
}

func (t *tunnel) registerGauges() error {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"active_slots", "Currently allocated slots.", func() float64 { return float64(t.registry.Stats().ActiveCount) }},
		{"max_slots", "Configured slot capacity.", func() float64 { return float64(t.cfg.MaxClients) }},
		{"maintenance", "1 while maintenance mode blocks new allocations.", func() float64 {
			if t.registry.Maintenance() {
				return 1
			}
			return 0
		}},
	}
	for _, g := range gauges {
		if err := t.metrics.RegisterGaugeFunc(g.name, g.help, g.fn); err != nil {
			return fmt.Errorf("register %s gauge: %w", g.name, err)
		}
	}
	return nil
}

// start runs the relay loop, the HTTP server on ln and the announcer. The
// returned channel yields the first component that stops on its own.
func (t *tunnel) start(ln net.Listener) <-chan error {
	errCh := make(chan error, 2)

	go func() {
		if err := t.relay.Serve(); err != nil {
			errCh <- fmt.Errorf("relay: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- t.http.Serve(ln)
	}()

	annCtx, cancel := context.WithCancel(context.Background())
	t.stopAnnounce = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.announcer.Run(annCtx)
	}()

	t.sink.Status("Running")
	t.log.Info("tunnel running",
		"udp_addr", t.relay.LocalAddr().String(),
		"http_addr", ln.Addr().String(),
	)
	return errCh
}

// shutdown stops the HTTP server within ctx, then the relay and the
// announcer, and finally disconnects observers.
func (t *tunnel) shutdown(ctx context.Context) error {
	var errs []error
	if err := t.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := t.relay.Close(); err != nil {
		errs = append(errs, fmt.Errorf("relay close: %w", err))
	}
	if t.stopAnnounce != nil {
		t.stopAnnounce()
	}
	t.wg.Wait()
	if t.hub != nil {
		t.hub.Close()
	}
	return errors.Join(errs...)
}
