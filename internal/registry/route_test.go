package registry

import (
	"net/netip"
	"testing"
	"time"
)

func allocatePair(t *testing.T, r *Registry) {
	t.Helper()
	ids, err := r.AllocateSession(2, hostIP, "")
	if err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}
	if ids[0] != 10 || ids[1] != 11 {
		t.Fatalf("ids=%v, want [10 11]", ids)
	}
}

func TestRoute_HandshakeAndSpoof(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11)})
	allocatePair(t, r)
	now := time.Unix(100, 0)

	// A speaks first: 10 binds, 11 cannot receive yet.
	if d := r.Route(10, 11, addrA, now); d.Verdict != UnboundDestination {
		t.Fatalf("first datagram verdict=%v, want %v", d.Verdict, UnboundDestination)
	}
	if s, _ := r.Lookup(10); s.Bound != addrA {
		t.Fatalf("slot 10 bound=%v, want %v", s.Bound, addrA)
	}

	// B answers: 11 binds and the datagram goes to A.
	d := r.Route(11, 10, addrB, now)
	if d.Verdict != Forward || d.To != addrA {
		t.Fatalf("decision=%+v, want forward to %v", d, addrA)
	}

	// C claims 10.
	if d := r.Route(10, 11, addrC, now); d.Verdict != Spoofed {
		t.Fatalf("spoof verdict=%v, want %v", d.Verdict, Spoofed)
	}
	if s, _ := r.Lookup(10); s.Bound != addrA {
		t.Fatalf("slot 10 bound=%v after spoof, want %v", s.Bound, addrA)
	}

	// The legitimate peer is unaffected.
	d = r.Route(10, 11, addrA, now)
	if d.Verdict != Forward || d.To != addrB {
		t.Fatalf("decision=%+v, want forward to %v", d, addrB)
	}
}

func TestRoute_DropVerdicts(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11, 20, 21)})
	allocatePair(t, r)
	if _, err := r.AllocateSession(2, netip.MustParseAddr("192.0.2.9"), ""); err != nil {
		t.Fatalf("second session: %v", err)
	}
	now := time.Unix(100, 0)
	// Bind everyone so only the rule under test can fail.
	r.Route(10, 11, addrA, now)
	r.Route(11, 10, addrB, now)
	r.Route(20, 21, netip.MustParseAddrPort("203.0.113.20:1"), now)

	tests := []struct {
		name     string
		src, dst uint16
		from     netip.AddrPort
		want     Verdict
	}{
		{name: "unknown source", src: 99, dst: 10, from: addrC, want: UnknownSource},
		{name: "unknown destination", src: 10, dst: 99, from: addrA, want: UnknownDestination},
		{name: "same slot", src: 10, dst: 10, from: addrA, want: SameSlot},
		{name: "other session", src: 10, dst: 20, from: addrA, want: SessionMismatch},
		{name: "unbound destination", src: 20, dst: 21, from: netip.MustParseAddrPort("203.0.113.20:1"), want: UnboundDestination},
		{name: "forward", src: 10, dst: 11, from: addrA, want: Forward},
	}
	for _, tt := range tests {
		if d := r.Route(tt.src, tt.dst, tt.from, now); d.Verdict != tt.want {
			t.Fatalf("%s: verdict=%v, want %v", tt.name, d.Verdict, tt.want)
		}
	}
}

func TestRoute_UnknownSourceDoesNotBind(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11)})
	allocatePair(t, r)

	r.Route(12, 11, addrA, time.Unix(1, 0))
	if s, _ := r.Lookup(11); s.IsBound() {
		t.Fatalf("destination bound by a datagram from an unknown source")
	}
}

func TestRoute_TouchesAcceptedSource(t *testing.T) {
	start := time.Unix(0, 0)
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11), Now: func() time.Time { return start }})
	allocatePair(t, r)

	r.Route(10, 11, addrA, start.Add(50*time.Second))
	// A spoofed claim must not keep the slot alive.
	r.Route(11, 10, addrB, start.Add(10*time.Second))
	r.Route(11, 10, addrC, start.Add(55*time.Second))

	removed := r.SweepExpired(start.Add(70*time.Second), 30*time.Second)
	if len(removed) != 1 || removed[0] != 11 {
		t.Fatalf("removed=%v, want [11]", removed)
	}
	if _, ok := r.Lookup(10); !ok {
		t.Fatalf("slot 10 evicted despite recent traffic")
	}
}

func TestRoute_MaintenanceKeepsRelaying(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11)})
	allocatePair(t, r)
	now := time.Unix(1, 0)
	r.Route(10, 11, addrA, now)
	r.Route(11, 10, addrB, now)

	r.SetMaintenance(true)
	if d := r.Route(10, 11, addrA, now); d.Verdict != Forward || d.To != addrB {
		t.Fatalf("decision=%+v during maintenance, want forward to %v", d, addrB)
	}
}

func TestVerdictString(t *testing.T) {
	for v, want := range map[Verdict]string{
		Forward:            "forward",
		UnknownSource:      "unknown_source",
		Spoofed:            "spoofed",
		UnknownDestination: "unknown_destination",
		SameSlot:           "same_slot",
		SessionMismatch:    "session_mismatch",
		UnboundDestination: "unbound_destination",
		Verdict(99):        "unknown",
	} {
		if got := v.String(); got != want {
			t.Fatalf("Verdict(%d).String()=%q, want %q", int(v), got, want)
		}
	}
}
