package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "cncnet_tunnel"

// Event names. Each one is exported as a value of the `event` label on
// cncnet_tunnel_events_total.
const (
	PacketsReceived  = "packets_received"
	PacketsForwarded = "packets_forwarded"
	BytesForwarded   = "bytes_forwarded"
	ReadErrors       = "udp_read_errors"
	SendErrors       = "udp_send_errors"

	DropTooShort  = "drop_too_short"
	DropOversized = "drop_oversized"
	// Relay verdict drops are recorded as DropPrefix + verdict name.
	DropPrefix = "drop_"

	DropLogsSuppressed = "drop_logs_suppressed"

	SessionsAllocated    = "sessions_allocated"
	SlotsAllocated       = "slots_allocated"
	SlotsExpired         = "slots_expired"
	RejectedUnauthorized = "allocation_rejected_unauthorized"
	RejectedMaintenance  = "allocation_rejected_maintenance"
	RejectedCapacity     = "allocation_rejected_capacity"
	RejectedRateLimited  = "allocation_rejected_rate_limited"
	SpoofedBindings      = "spoofed_bindings"
	MaintenanceToggles   = "maintenance_toggles"

	HeartbeatsSent    = "heartbeats_sent"
	HeartbeatFailures = "heartbeat_failures"
)

// Metrics is a concurrency-safe counter registry backed by a private
// Prometheus registry. A nil *Metrics is valid and discards everything.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec

	mu     sync.Mutex
	gauges map[string]struct{}
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})
	reg.MustRegister(
		events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		reg:    reg,
		events: events,
		gauges: make(map[string]struct{}),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// RegisterGaugeFunc exports fn as cncnet_tunnel_<name>. Registering the same
// name twice is a no-op.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; ok {
		return nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
	if err := m.reg.Register(g); err != nil {
		return err
	}
	m.gauges[name] = struct{}{}
	return nil
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
