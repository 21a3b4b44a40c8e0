package relay

import (
	"time"

	"github.com/cncnet/cncnet-tunnel/internal/udpproto"
)

type Config struct {
	// ListenAddr is the UDP address to bind, e.g. "0.0.0.0:50000".
	ListenAddr string

	// MaxDatagramBytes bounds accepted datagrams, header included. Larger
	// datagrams are dropped rather than forwarded truncated.
	MaxDatagramBytes int

	// IdleTimeout evicts slots that have not sent a datagram for this long.
	IdleTimeout time.Duration
	// SweepInterval is how often idle slots are evicted. It also bounds how
	// long a read blocks.
	SweepInterval time.Duration

	// DropLogsPerSecond throttles per-datagram drop logging. 0 logs every drop.
	DropLogsPerSecond int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:50000",
		MaxDatagramBytes: udpproto.DefaultMaxDatagram,
		IdleTimeout:      60 * time.Second,
		SweepInterval:    time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.MaxDatagramBytes <= 0 {
		c.MaxDatagramBytes = d.MaxDatagramBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DropLogsPerSecond < 0 {
		c.DropLogsPerSecond = 0
	}
	return c
}
