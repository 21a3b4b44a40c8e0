// Package registry owns the table of allocated tunnel slots.
//
// All operations are serialized by a single mutex so allocation, binding,
// routing and idle eviction always observe a consistent table. The package
// performs no I/O.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cncnet/cncnet-tunnel/internal/auth"
	"github.com/cncnet/cncnet-tunnel/internal/metrics"
)

// MaxSlots is the size of the usable id space: every uint16 except 0.
const MaxSlots = 1<<16 - 1

// randomIDAttempts bounds the random draws before falling back to a scan for
// a free id.
const randomIDAttempts = 32

type Config struct {
	Name       string
	MaxClients int
	// Password, when set, must be presented to AllocateSession.
	Password string
	// IPLimit bounds the live slots held by one requesting IP. 0 disables it.
	IPLimit   int
	BindMatch BindMatch

	Metrics *metrics.Metrics

	// OnChange is called with a fresh snapshot after allocations, evictions
	// and maintenance toggles. It runs outside the registry lock; calls are
	// serialized and a snapshot older than one already delivered is skipped.
	// It must not allocate, sweep or toggle maintenance itself.
	OnChange func(Stats)

	// Rand supplies slot id entropy. Defaults to crypto/rand.
	Rand io.Reader
	// Now defaults to time.Now.
	Now func() time.Time
}

// Slot is a snapshot of one allocated slot.
type Slot struct {
	ID uint16
	// Bound is the zero AddrPort until the first datagram claims the slot.
	Bound        netip.AddrPort
	Owner        netip.Addr
	SessionID    string
	CreatedAt    time.Time
	LastPacketAt time.Time
}

func (s Slot) IsBound() bool { return s.Bound.IsValid() }

// lastActivity is the reference point for idle eviction.
func (s *Slot) lastActivity() time.Time {
	if s.LastPacketAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastPacketAt
}

type Stats struct {
	Name        string `json:"name"`
	ActiveCount int    `json:"clients"`
	MaxClients  int    `json:"maxClients"`
	HasPassword bool   `json:"passwordRequired"`
	Maintenance bool   `json:"maintenance"`
}

type Registry struct {
	name       string
	maxClients int
	ipLimit    int
	bindMatch  BindMatch
	password   auth.PasswordVerifier
	metrics    *metrics.Metrics
	onChange   func(Stats)
	rand       io.Reader
	now        func() time.Time

	mu          sync.Mutex
	slots       map[uint16]*Slot
	perIP       map[netip.Addr]int
	maintenance bool
	version     uint64 // bumped under mu on every notified change

	notifyMu  sync.Mutex
	delivered uint64
}

func New(cfg Config) *Registry {
	maxClients := cfg.MaxClients
	if maxClients < 0 {
		maxClients = 0
	}
	if maxClients > MaxSlots {
		maxClients = MaxSlots
	}
	ipLimit := cfg.IPLimit
	if ipLimit < 0 {
		ipLimit = 0
	}
	r := &Registry{
		name:       cfg.Name,
		maxClients: maxClients,
		ipLimit:    ipLimit,
		bindMatch:  cfg.BindMatch,
		password:   auth.PasswordVerifier{Expected: cfg.Password},
		metrics:    cfg.Metrics,
		onChange:   cfg.OnChange,
		rand:       cfg.Rand,
		now:        cfg.Now,
		slots:      make(map[uint16]*Slot),
		perIP:      make(map[netip.Addr]int),
	}
	if r.rand == nil {
		r.rand = rand.Reader
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// AllocateSession reserves size slots for requester as one session and
// returns their ids in allocation order.
//
// Checks run in order: password, maintenance, capacity, per-IP limit. A
// rejected request creates no slots.
func (r *Registry) AllocateSession(size int, requester netip.Addr, password string) ([]uint16, error) {
	if err := r.password.Verify(password); err != nil {
		r.metrics.Inc(metrics.RejectedUnauthorized)
		return nil, ErrUnauthorized
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	requester = requester.Unmap()

	r.mu.Lock()
	if r.maintenance {
		r.mu.Unlock()
		r.metrics.Inc(metrics.RejectedMaintenance)
		return nil, ErrMaintenance
	}
	if available := r.maxClients - len(r.slots); size > available {
		r.mu.Unlock()
		r.metrics.Inc(metrics.RejectedCapacity)
		return nil, fmt.Errorf("%w: requested %d, %d available", ErrCapacity, size, available)
	}
	if r.ipLimit > 0 && r.perIP[requester]+size > r.ipLimit {
		held := r.perIP[requester]
		r.mu.Unlock()
		r.metrics.Inc(metrics.RejectedRateLimited)
		return nil, fmt.Errorf("%w: %s holds %d of %d", ErrRateLimited, requester, held, r.ipLimit)
	}

	now := r.now()
	sessionID := ulid.Make().String()
	ids := make([]uint16, 0, size)
	for len(ids) < size {
		id, err := r.pickIDLocked()
		if err != nil {
			for _, allocated := range ids {
				delete(r.slots, allocated)
			}
			r.mu.Unlock()
			return nil, err
		}
		r.slots[id] = &Slot{
			ID:        id,
			Owner:     requester,
			SessionID: sessionID,
			CreatedAt: now,
		}
		ids = append(ids, id)
	}
	r.perIP[requester] += size
	stats, version := r.snapshotLocked()
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionsAllocated)
	r.metrics.Add(metrics.SlotsAllocated, uint64(size))
	r.notify(stats, version)
	return ids, nil
}

// pickIDLocked returns a random unused non-zero id. The caller must have
// checked that at least one id is free.
func (r *Registry) pickIDLocked() (uint16, error) {
	var b [2]byte
	var start uint16
	for attempt := 0; attempt < randomIDAttempts; attempt++ {
		if _, err := io.ReadFull(r.rand, b[:]); err != nil {
			return 0, fmt.Errorf("registry: read slot id entropy: %w", err)
		}
		start = binary.BigEndian.Uint16(b[:])
		if start == 0 {
			continue
		}
		if _, taken := r.slots[start]; !taken {
			return start, nil
		}
	}
	// The table is dense. Scan from the last random position so ids stay
	// unpredictable.
	id := start
	for i := 0; i <= MaxSlots; i++ {
		id++
		if id == 0 {
			continue
		}
		if _, taken := r.slots[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrCapacity
}

func (r *Registry) Lookup(id uint16) (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// BindIfUnbound binds id to addr on first use. Later calls succeed only when
// addr matches the bound address under the configured BindMatch; a mismatch
// returns ErrSpoofed and leaves the slot untouched.
func (r *Registry) BindIfUnbound(id uint16, addr netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return ErrUnknownSlot
	}
	return r.bindLocked(s, addr)
}

func (r *Registry) bindLocked(s *Slot, addr netip.AddrPort) error {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if !s.Bound.IsValid() {
		s.Bound = addr
		return nil
	}
	if r.bindMatch.matches(s.Bound, addr) {
		return nil
	}
	r.metrics.Inc(metrics.SpoofedBindings)
	return ErrSpoofed
}

// SameSession reports whether both ids exist and belong to one session.
func (r *Registry) SameSession(a, b uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sameSessionLocked(a, b)
}

func (r *Registry) sameSessionLocked(a, b uint16) bool {
	sa, ok := r.slots[a]
	if !ok {
		return false
	}
	sb, ok := r.slots[b]
	if !ok {
		return false
	}
	return sa.SessionID == sb.SessionID
}

func (r *Registry) Touch(id uint16, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		s.LastPacketAt = now
	}
}

// SweepExpired evicts every slot idle for longer than idle and returns the
// freed ids in ascending order.
func (r *Registry) SweepExpired(now time.Time, idle time.Duration) []uint16 {
	r.mu.Lock()
	var removed []uint16
	for id, s := range r.slots {
		if now.Sub(s.lastActivity()) <= idle {
			continue
		}
		delete(r.slots, id)
		if n := r.perIP[s.Owner] - 1; n > 0 {
			r.perIP[s.Owner] = n
		} else {
			delete(r.perIP, s.Owner)
		}
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		r.mu.Unlock()
		return nil
	}
	stats, version := r.snapshotLocked()
	r.mu.Unlock()

	slices.Sort(removed)
	r.metrics.Add(metrics.SlotsExpired, uint64(len(removed)))
	r.notify(stats, version)
	return removed
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Registry) statsLocked() Stats {
	return Stats{
		Name:        r.name,
		ActiveCount: len(r.slots),
		MaxClients:  r.maxClients,
		HasPassword: r.password.Required(),
		Maintenance: r.maintenance,
	}
}

// HeldBy returns the number of live slots allocated by ip.
func (r *Registry) HeldBy(ip netip.Addr) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perIP[ip.Unmap()]
}

func (r *Registry) Maintenance() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maintenance
}

func (r *Registry) SetMaintenance(on bool) {
	r.mu.Lock()
	if r.maintenance == on {
		r.mu.Unlock()
		return
	}
	r.maintenance = on
	stats, version := r.snapshotLocked()
	r.mu.Unlock()
	r.metrics.Inc(metrics.MaintenanceToggles)
	r.notify(stats, version)
}

// ToggleMaintenance flips maintenance mode and returns the new state.
func (r *Registry) ToggleMaintenance() bool {
	r.mu.Lock()
	r.maintenance = !r.maintenance
	on := r.maintenance
	stats, version := r.snapshotLocked()
	r.mu.Unlock()
	r.metrics.Inc(metrics.MaintenanceToggles)
	r.notify(stats, version)
	return on
}

// snapshotLocked stamps a change with the next version. Callers must hold mu.
func (r *Registry) snapshotLocked() (Stats, uint64) {
	r.version++
	return r.statsLocked(), r.version
}

// notify delivers s unless a newer snapshot already went out, so a slow
// caller cannot overwrite a later status with an earlier one.
func (r *Registry) notify(s Stats, version uint64) {
	if r.onChange == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if version <= r.delivered {
		return
	}
	r.delivered = version
	r.onChange(s)
}
