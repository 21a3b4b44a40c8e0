// Package announce reports the tunnel to the CnCNet master server so it can be
// listed for game clients.
package announce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cncnet/cncnet-tunnel/internal/metrics"
	"github.com/cncnet/cncnet-tunnel/internal/registry"
)

// ProtocolVersion is sent as the version parameter of every heartbeat.
const ProtocolVersion = "2"

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 10 * time.Second

	maxDrainBytes = 64 << 10
)

var ErrHeartbeatRejected = errors.New("announce: master rejected heartbeat")

// StatsSource is satisfied by *registry.Registry.
type StatsSource interface {
	Stats() registry.Stats
}

type Config struct {
	MasterURL      string
	MasterPassword string
	// PublicHost, when set, is sent as the host parameter.
	PublicHost string
	// Port is the tunnel port clients should use.
	Port     int
	Interval time.Duration
	Timeout  time.Duration
	// Disabled turns Run into a no-op.
	Disabled bool
}

type Announcer struct {
	cfg     Config
	master  *url.URL
	src     StatsSource
	client  *http.Client
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config, src StatsSource, m *metrics.Metrics, logger *slog.Logger) (*Announcer, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Announcer{
		cfg:     cfg,
		src:     src,
		metrics: m,
		log:     logger,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.Disabled {
		return a, nil
	}
	u, err := url.Parse(cfg.MasterURL)
	if err != nil {
		return nil, fmt.Errorf("announce: invalid master url %q: %w", cfg.MasterURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("announce: invalid master url %q (expected http or https)", cfg.MasterURL)
	}
	a.master = u
	return a, nil
}

// HeartbeatURL returns the master URL carrying the given snapshot.
func (a *Announcer) HeartbeatURL(s registry.Stats) string {
	u := *a.master
	q := u.Query()
	q.Set("version", ProtocolVersion)
	q.Set("name", s.Name)
	q.Set("port", strconv.Itoa(a.cfg.Port))
	q.Set("clients", strconv.Itoa(s.ActiveCount))
	q.Set("maxclients", strconv.Itoa(s.MaxClients))
	if a.cfg.MasterPassword != "" {
		q.Set("masterpw", a.cfg.MasterPassword)
	}
	if s.HasPassword {
		q.Set("password", "1")
	}
	if s.Maintenance {
		q.Set("maintenance", "1")
	}
	if a.cfg.PublicHost != "" {
		q.Set("host", a.cfg.PublicHost)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Heartbeat sends one announcement. Any non-2xx answer is ErrHeartbeatRejected.
func (a *Announcer) Heartbeat(ctx context.Context) error {
	if a.cfg.Disabled {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.HeartbeatURL(a.src.Stats()), nil)
	if err != nil {
		return fmt.Errorf("announce: build request: %w", err)
	}
	req.Header.Set("User-Agent", "cncnet-tunnel")

	resp, err := a.client.Do(req)
	if err != nil {
		// *url.Error repeats the full URL, masterpw included.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("announce: request master: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrHeartbeatRejected, resp.StatusCode)
	}
	return nil
}

// Run sends a heartbeat immediately and then every Interval until ctx is
// done. Failures are logged and retried on the next tick.
func (a *Announcer) Run(ctx context.Context) {
	if a.cfg.Disabled {
		return
	}
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Announcer) tick(ctx context.Context) {
	if err := a.Heartbeat(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		a.metrics.Inc(metrics.HeartbeatFailures)
		a.log.Warn("master heartbeat failed", "master", a.master.Redacted(), "err", err)
		return
	}
	a.metrics.Inc(metrics.HeartbeatsSent)
	a.log.Debug("master heartbeat sent", "master", a.master.Redacted())
}
