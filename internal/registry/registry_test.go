package registry

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/cncnet/cncnet-tunnel/internal/metrics"
)

var (
	hostIP = netip.MustParseAddr("192.0.2.1")
	addrA  = netip.MustParseAddrPort("198.51.100.1:4000")
	addrB  = netip.MustParseAddrPort("198.51.100.2:4000")
	addrC  = netip.MustParseAddrPort("198.51.100.3:4000")
)

// idBytes encodes ids as the big-endian draws pickIDLocked consumes.
func idBytes(ids ...uint16) *bytes.Reader {
	b := make([]byte, 0, 2*len(ids))
	for _, id := range ids {
		b = append(b, byte(id>>8), byte(id))
	}
	return bytes.NewReader(b)
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 8
	}
	if cfg.Name == "" {
		cfg.Name = "test tunnel"
	}
	return New(cfg)
}

func TestAllocateSession_ReturnsDistinctUnboundSlotsInOneSession(t *testing.T) {
	m := metrics.New()
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11), Metrics: m})

	ids, err := r.AllocateSession(2, hostIP, "")
	if err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}
	if len(ids) != 2 || ids[0] != 10 || ids[1] != 11 {
		t.Fatalf("ids=%v, want [10 11]", ids)
	}

	a, ok := r.Lookup(10)
	if !ok {
		t.Fatalf("slot 10 missing")
	}
	b, ok := r.Lookup(11)
	if !ok {
		t.Fatalf("slot 11 missing")
	}
	if a.IsBound() || b.IsBound() {
		t.Fatalf("new slots must be unbound: %v %v", a.Bound, b.Bound)
	}
	if a.SessionID == "" || a.SessionID != b.SessionID {
		t.Fatalf("session ids %q/%q, want equal and non-empty", a.SessionID, b.SessionID)
	}
	if a.Owner != hostIP {
		t.Fatalf("owner=%v, want %v", a.Owner, hostIP)
	}
	if !r.SameSession(10, 11) {
		t.Fatalf("SameSession(10, 11)=false, want true")
	}
	if got := m.Get(metrics.SlotsAllocated); got != 2 {
		t.Fatalf("slots_allocated=%d, want 2", got)
	}
}

func TestAllocateSession_SkipsZeroAndTakenIDs(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(0, 7, 7, 9)})

	ids, err := r.AllocateSession(2, hostIP, "")
	if err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}
	if ids[0] != 7 || ids[1] != 9 {
		t.Fatalf("ids=%v, want [7 9]", ids)
	}
}

func TestAllocateSession_DenseTableFallsBackToScan(t *testing.T) {
	draws := make([]uint16, 0, randomIDAttempts+1)
	draws = append(draws, 5)
	for i := 0; i < randomIDAttempts; i++ {
		draws = append(draws, 5)
	}
	r := newTestRegistry(t, Config{Rand: idBytes(draws...)})

	ids, err := r.AllocateSession(2, hostIP, "")
	if err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}
	if ids[0] != 5 || ids[1] != 6 {
		t.Fatalf("ids=%v, want [5 6]", ids)
	}
}

func TestAllocateSession_EntropyFailureCreatesNothing(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(3)})

	if _, err := r.AllocateSession(2, hostIP, ""); err == nil {
		t.Fatalf("expected error when entropy runs out")
	}
	if got := r.Stats().ActiveCount; got != 0 {
		t.Fatalf("active=%d, want 0", got)
	}
	if got := r.HeldBy(hostIP); got != 0 {
		t.Fatalf("held=%d, want 0", got)
	}
}

func TestAllocateSession_Password(t *testing.T) {
	m := metrics.New()
	r := newTestRegistry(t, Config{Password: "hunter2", Metrics: m})

	for _, pw := range []string{"", "hunter", "hunter22"} {
		if _, err := r.AllocateSession(2, hostIP, pw); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("password %q: err=%v, want ErrUnauthorized", pw, err)
		}
	}
	if got := r.Stats().ActiveCount; got != 0 {
		t.Fatalf("active=%d, want 0", got)
	}
	if got := m.Get(metrics.RejectedUnauthorized); got != 3 {
		t.Fatalf("rejected_unauthorized=%d, want 3", got)
	}
	if _, err := r.AllocateSession(2, hostIP, "hunter2"); err != nil {
		t.Fatalf("AllocateSession with password: %v", err)
	}
	if !r.Stats().HasPassword {
		t.Fatalf("HasPassword=false, want true")
	}
}

func TestAllocateSession_CapacityBound(t *testing.T) {
	r := newTestRegistry(t, Config{MaxClients: 4})

	if _, err := r.AllocateSession(3, hostIP, ""); err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}
	if _, err := r.AllocateSession(2, netip.MustParseAddr("192.0.2.2"), ""); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err=%v, want ErrCapacity", err)
	}
	if got := r.Stats().ActiveCount; got != 3 {
		t.Fatalf("active=%d, want 3", got)
	}
	if _, err := r.AllocateSession(1, netip.MustParseAddr("192.0.2.2"), ""); err != nil {
		t.Fatalf("AllocateSession of remaining slot: %v", err)
	}
}

func TestAllocateSession_InvalidSize(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if _, err := r.AllocateSession(0, hostIP, ""); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("err=%v, want ErrInvalidSize", err)
	}
}

func TestAllocateSession_IPLimit(t *testing.T) {
	r := newTestRegistry(t, Config{MaxClients: 16, IPLimit: 4})

	if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := r.AllocateSession(2, hostIP, ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third: err=%v, want ErrRateLimited", err)
	}
	if got := r.HeldBy(hostIP); got != 4 {
		t.Fatalf("held=%d, want 4", got)
	}

	// IPv4-mapped IPv6 counts against the same address.
	mapped := netip.AddrFrom16(hostIP.As16())
	if _, err := r.AllocateSession(2, mapped, ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("mapped: err=%v, want ErrRateLimited", err)
	}

	if _, err := r.AllocateSession(2, netip.MustParseAddr("192.0.2.2"), ""); err != nil {
		t.Fatalf("other ip: %v", err)
	}
}

func TestAllocateSession_IPLimitDisabled(t *testing.T) {
	r := newTestRegistry(t, Config{MaxClients: 64, IPLimit: 0})
	for i := 0; i < 10; i++ {
		if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
	}
	if got := r.HeldBy(hostIP); got != 20 {
		t.Fatalf("held=%d, want 20", got)
	}
}

func TestAllocateSession_Maintenance(t *testing.T) {
	r := newTestRegistry(t, Config{Password: "pw"})

	if on := r.ToggleMaintenance(); !on {
		t.Fatalf("ToggleMaintenance=false, want true")
	}
	if _, err := r.AllocateSession(2, hostIP, "pw"); !errors.Is(err, ErrMaintenance) {
		t.Fatalf("err=%v, want ErrMaintenance", err)
	}
	if !r.Stats().Maintenance {
		t.Fatalf("Stats().Maintenance=false, want true")
	}

	r.SetMaintenance(false)
	if _, err := r.AllocateSession(2, hostIP, "pw"); err != nil {
		t.Fatalf("after maintenance: %v", err)
	}
}

func TestMaxClientsIsCappedToIDSpace(t *testing.T) {
	r := New(Config{MaxClients: 1 << 20})
	if got := r.Stats().MaxClients; got != MaxSlots {
		t.Fatalf("MaxClients=%d, want %d", got, MaxSlots)
	}
}

func TestBindIfUnbound_CompareAndSet(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11)})
	if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}

	if err := r.BindIfUnbound(10, addrA); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := r.BindIfUnbound(10, addrA); err != nil {
		t.Fatalf("same address: %v", err)
	}
	if err := r.BindIfUnbound(10, addrC); !errors.Is(err, ErrSpoofed) {
		t.Fatalf("other address: err=%v, want ErrSpoofed", err)
	}
	samePortOtherHost := netip.AddrPortFrom(addrA.Addr(), addrA.Port()+1)
	if err := r.BindIfUnbound(10, samePortOtherHost); !errors.Is(err, ErrSpoofed) {
		t.Fatalf("other port: err=%v, want ErrSpoofed", err)
	}
	s, _ := r.Lookup(10)
	if s.Bound != addrA {
		t.Fatalf("bound=%v, want %v", s.Bound, addrA)
	}
	if err := r.BindIfUnbound(999, addrA); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("unknown: err=%v, want ErrUnknownSlot", err)
	}
}

func TestBindIfUnbound_AddressOnlyMatch(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11), BindMatch: MatchAddress})
	if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}
	if err := r.BindIfUnbound(10, addrA); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := r.BindIfUnbound(10, netip.AddrPortFrom(addrA.Addr(), 5555)); err != nil {
		t.Fatalf("remapped port: %v", err)
	}
	if err := r.BindIfUnbound(10, addrB); !errors.Is(err, ErrSpoofed) {
		t.Fatalf("other ip: err=%v, want ErrSpoofed", err)
	}
	s, _ := r.Lookup(10)
	if s.Bound != addrA {
		t.Fatalf("bound=%v, want %v", s.Bound, addrA)
	}
}

func TestBindIfUnbound_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	r := newTestRegistry(t, Config{Rand: idBytes(10, 11)})
	if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}

	const claimants = 32
	var wg sync.WaitGroup
	results := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}), 1000)
			results[i] = r.BindIfUnbound(10, addr)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range results {
		switch {
		case err == nil:
			winners++
		case !errors.Is(err, ErrSpoofed):
			t.Fatalf("claimant %d: unexpected err %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners=%d, want 1", winners)
	}
}

func TestSweepExpired_EvictsIdleSlotsAndFreesIDs(t *testing.T) {
	start := time.Unix(1000, 0)
	now := start
	m := metrics.New()
	r := newTestRegistry(t, Config{
		MaxClients: 4,
		IPLimit:    4,
		Rand:       idBytes(10, 11, 20, 21, 10, 11),
		Now:        func() time.Time { return now },
		Metrics:    m,
	})

	if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
		t.Fatalf("second: %v", err)
	}

	// 20 and 21 keep talking; 10 and 11 never send anything.
	r.Touch(20, start.Add(50*time.Second))
	r.Touch(21, start.Add(50*time.Second))

	if removed := r.SweepExpired(start.Add(60*time.Second), 60*time.Second); len(removed) != 0 {
		t.Fatalf("removed=%v at exactly the timeout, want none", removed)
	}
	removed := r.SweepExpired(start.Add(61*time.Second), 60*time.Second)
	if len(removed) != 2 || removed[0] != 10 || removed[1] != 11 {
		t.Fatalf("removed=%v, want [10 11]", removed)
	}
	if _, ok := r.Lookup(10); ok {
		t.Fatalf("slot 10 still present")
	}
	if got := r.HeldBy(hostIP); got != 2 {
		t.Fatalf("held=%d, want 2", got)
	}
	if got := m.Get(metrics.SlotsExpired); got != 2 {
		t.Fatalf("slots_expired=%d, want 2", got)
	}

	// Freed ids are reusable.
	now = start.Add(62 * time.Second)
	ids, err := r.AllocateSession(2, hostIP, "")
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if ids[0] != 10 || ids[1] != 11 {
		t.Fatalf("ids=%v, want [10 11]", ids)
	}
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	var mu sync.Mutex
	var seen []Stats
	r := newTestRegistry(t, Config{
		MaxClients: 4,
		OnChange: func(s Stats) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})

	if _, err := r.AllocateSession(2, hostIP, ""); err != nil {
		t.Fatalf("AllocateSession: %v", err)
	}
	r.SetMaintenance(true)
	r.SetMaintenance(true)
	r.SweepExpired(time.Now().Add(time.Hour), time.Minute)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("notifications=%d, want 3: %+v", len(seen), seen)
	}
	if seen[0].ActiveCount != 2 || seen[0].MaxClients != 4 {
		t.Fatalf("after allocate: %+v", seen[0])
	}
	if !seen[1].Maintenance {
		t.Fatalf("after maintenance: %+v", seen[1])
	}
	if seen[2].ActiveCount != 0 {
		t.Fatalf("after sweep: %+v", seen[2])
	}
}

func TestOnChange_SkipsStaleSnapshots(t *testing.T) {
	var seen []Stats
	r := newTestRegistry(t, Config{OnChange: func(s Stats) { seen = append(seen, s) }})

	r.notify(Stats{ActiveCount: 4}, 2)
	r.notify(Stats{ActiveCount: 2}, 1)
	r.notify(Stats{ActiveCount: 0}, 3)

	if len(seen) != 2 || seen[0].ActiveCount != 4 || seen[1].ActiveCount != 0 {
		t.Fatalf("seen=%+v, want counts [4 0]", seen)
	}
}

func TestOnChange_LastSnapshotMatchesFinalState(t *testing.T) {
	var mu sync.Mutex
	var last Stats
	r := newTestRegistry(t, Config{
		MaxClients: 64,
		OnChange: func(s Stats) {
			mu.Lock()
			last = s
			mu.Unlock()
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ip := netip.AddrFrom4([4]byte{10, 2, 0, byte(i)})
			_, _ = r.AllocateSession(2, ip, "")
		}(i)
		go func() {
			defer wg.Done()
			r.SweepExpired(time.Now().Add(time.Hour), time.Minute)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if want := r.Stats(); last != want {
		t.Fatalf("last snapshot=%+v, want %+v", last, want)
	}
}

func TestAllocateSession_UsesWholeNonZeroIDSpace(t *testing.T) {
	r := New(Config{MaxClients: MaxSlots})

	ids, err := r.AllocateSession(MaxSlots, hostIP, "")
	if err != nil {
		t.Fatalf("AllocateSession(%d): %v", MaxSlots, err)
	}
	if len(ids) != 65535 {
		t.Fatalf("ids=%d, want 65535", len(ids))
	}
	if _, ok := r.Lookup(0); ok {
		t.Fatalf("id 0 handed out")
	}
	if _, err := r.AllocateSession(1, hostIP, ""); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err=%v, want ErrCapacity", err)
	}
}

func TestConcurrentAllocationsNeverExceedCapacity(t *testing.T) {
	const maxClients = 50
	r := newTestRegistry(t, Config{MaxClients: maxClients})

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint16]struct{})
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := netip.AddrFrom4([4]byte{10, 1, byte(i >> 8), byte(i)})
			ids, err := r.AllocateSession(2, ip, "")
			if err != nil {
				if !errors.Is(err, ErrCapacity) {
					t.Errorf("unexpected err: %v", err)
				}
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = struct{}{}
			}
		}(i)
	}
	wg.Wait()

	if got := r.Stats().ActiveCount; got > maxClients {
		t.Fatalf("active=%d, exceeds %d", got, maxClients)
	}
	if len(seen) != r.Stats().ActiveCount {
		t.Fatalf("distinct ids=%d, active=%d", len(seen), r.Stats().ActiveCount)
	}
}

func TestParseBindMatch(t *testing.T) {
	tests := []struct {
		in      string
		want    BindMatch
		wantErr bool
	}{
		{in: "", want: MatchAddressAndPort},
		{in: "address_and_port", want: MatchAddressAndPort},
		{in: "ADDRESS", want: MatchAddress},
		{in: "ip", want: MatchAddress},
		{in: "port", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseBindMatch(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseBindMatch(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseBindMatch(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseBindMatch(%q)=%v, want %v", tt.in, got, tt.want)
		}
	}
}
