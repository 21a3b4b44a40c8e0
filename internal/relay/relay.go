package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3"

	"github.com/cncnet/cncnet-tunnel/internal/metrics"
	"github.com/cncnet/cncnet-tunnel/internal/ratelimit"
	"github.com/cncnet/cncnet-tunnel/internal/registry"
	"github.com/cncnet/cncnet-tunnel/internal/udpproto"
)

// Registry is the slice of *registry.Registry the relay depends on.
type Registry interface {
	Route(src, dst uint16, from netip.AddrPort, now time.Time) registry.Decision
	SweepExpired(now time.Time, idle time.Duration) []uint16
}

type Relay struct {
	cfg     Config
	conn    net.PacketConn
	reg     Registry
	codec   udpproto.Codec
	metrics *metrics.Metrics
	log     *slog.Logger
	dropLog *ratelimit.LogLimiter

	// OnSweep, when set, is called from the relay goroutine with the ids
	// evicted by each sweep that removed at least one slot.
	OnSweep func(removed []uint16)

	now     func() time.Time
	closed  atomic.Bool
	serving atomic.Bool
}

// Listen binds cfg.ListenAddr on nw. Production code passes a stdnet.Net;
// tests use a vnet.Net.
func Listen(nw transport.Net, cfg Config, reg Registry, m *metrics.Metrics, logger *slog.Logger) (*Relay, error) {
	cfg = cfg.withDefaults()
	codec, err := udpproto.NewCodec(cfg.MaxDatagramBytes)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	conn, err := nw.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.ListenAddr, err)
	}
	return &Relay{
		cfg:     cfg,
		conn:    conn,
		reg:     reg,
		codec:   codec,
		metrics: m,
		log:     logger,
		dropLog: ratelimit.NewLogLimiter(ratelimit.RealClock{}, cfg.DropLogsPerSecond),
		now:     time.Now,
	}, nil
}

func (r *Relay) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Close stops Serve and releases the socket.
func (r *Relay) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.conn.Close()
}

// Serve runs the read loop until Close is called. Per-datagram and socket
// errors are logged and never end the loop. Serve returns nil after Close.
func (r *Relay) Serve() error {
	if !r.serving.CompareAndSwap(false, true) {
		return errors.New("relay: already serving")
	}
	if r.closed.Load() {
		return ErrClosed
	}

	// One spare byte lets oversized datagrams be detected instead of silently
	// truncated by the socket.
	buf := make([]byte, r.cfg.MaxDatagramBytes+1)
	nextSweep := r.now().Add(r.cfg.SweepInterval)

	for {
		if err := r.conn.SetReadDeadline(nextSweep); err != nil && !r.closed.Load() {
			r.log.Warn("udp set read deadline failed", "err", err)
		}
		n, from, err := r.conn.ReadFrom(buf)
		now := r.now()

		// Empty datagrams are real reads too and get dropped as too short.
		if from != nil && (err == nil || errors.Is(err, io.ErrShortBuffer)) {
			r.handle(buf[:n], from, now)
		}
		if !now.Before(nextSweep) {
			r.sweep(now)
			nextSweep = now.Add(r.cfg.SweepInterval)
		}

		if err == nil || errors.Is(err, io.ErrShortBuffer) {
			continue
		}
		if r.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil
		}
		if isTimeout(err) {
			continue
		}
		r.metrics.Inc(metrics.ReadErrors)
		r.log.Warn("udp read failed", "err", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (r *Relay) handle(b []byte, from net.Addr, now time.Time) {
	r.metrics.Inc(metrics.PacketsReceived)

	src, ok := addrPortOf(from)
	if !ok {
		r.metrics.Inc(metrics.ReadErrors)
		r.log.Warn("udp datagram from unsupported address", "remote", from.String())
		return
	}

	h, _, err := r.codec.Decode(b)
	if err != nil {
		r.logDrop("malformed datagram", "remote", src.String(), "len", len(b), "err", err)
		switch {
		case errors.Is(err, udpproto.ErrTooShort):
			r.metrics.Inc(metrics.DropTooShort)
		case errors.Is(err, udpproto.ErrTooLarge):
			r.metrics.Inc(metrics.DropOversized)
		}
		return
	}

	d := r.reg.Route(h.Src, h.Dst, src, now)
	if d.Verdict != registry.Forward {
		r.metrics.Inc(metrics.DropPrefix + d.Verdict.String())
		r.logDrop("datagram dropped",
			"reason", d.Verdict.String(),
			"src", h.Src,
			"dst", h.Dst,
			"remote", src.String(),
			"len", len(b),
		)
		return
	}

	if _, err := r.conn.WriteTo(b, net.UDPAddrFromAddrPort(d.To)); err != nil {
		r.metrics.Inc(metrics.SendErrors)
		r.log.Warn("udp send failed", "src", h.Src, "dst", h.Dst, "to", d.To.String(), "err", err)
		return
	}
	r.metrics.Inc(metrics.PacketsForwarded)
	r.metrics.Add(metrics.BytesForwarded, uint64(len(b)))
}

func (r *Relay) sweep(now time.Time) {
	removed := r.reg.SweepExpired(now, r.cfg.IdleTimeout)
	if len(removed) == 0 {
		return
	}
	r.log.Info("evicted idle slots", "ids", removed)
	if r.OnSweep != nil {
		r.OnSweep(removed)
	}
}

func (r *Relay) logDrop(msg string, args ...any) {
	ok, skipped := r.dropLog.Allow()
	if !ok {
		r.metrics.Inc(metrics.DropLogsSuppressed)
		return
	}
	if skipped > 0 {
		args = append(args, "suppressed", skipped)
	}
	r.log.Info(msg, args...)
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	switch v := a.(type) {
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
}
