package registry

import (
	"net/netip"
	"time"
)

// Verdict is the outcome of routing one datagram.
type Verdict int

const (
	Forward Verdict = iota
	UnknownSource
	Spoofed
	UnknownDestination
	SameSlot
	SessionMismatch
	UnboundDestination
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case UnknownSource:
		return "unknown_source"
	case Spoofed:
		return "spoofed"
	case UnknownDestination:
		return "unknown_destination"
	case SameSlot:
		return "same_slot"
	case SessionMismatch:
		return "session_mismatch"
	case UnboundDestination:
		return "unbound_destination"
	default:
		return "unknown"
	}
}

type Decision struct {
	Verdict Verdict
	// To is the destination's bound address when Verdict is Forward.
	To netip.AddrPort
}

// Route resolves a datagram from src to dst received from addr.
//
// The source slot is bound on first use and touched whenever its claim is
// accepted, even when the destination cannot receive yet, so a host waiting
// for its peer is not evicted.
func (r *Registry) Route(src, dst uint16, from netip.AddrPort, now time.Time) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[src]
	if !ok {
		return Decision{Verdict: UnknownSource}
	}
	if err := r.bindLocked(s, from); err != nil {
		return Decision{Verdict: Spoofed}
	}
	s.LastPacketAt = now

	d, ok := r.slots[dst]
	switch {
	case !ok:
		return Decision{Verdict: UnknownDestination}
	case src == dst:
		return Decision{Verdict: SameSlot}
	case !r.sameSessionLocked(src, dst):
		return Decision{Verdict: SessionMismatch}
	case !d.Bound.IsValid():
		return Decision{Verdict: UnboundDestination}
	}
	return Decision{Verdict: Forward, To: d.Bound}
}
