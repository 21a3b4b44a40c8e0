// Package control is the tunnel's HTTP control plane: game hosts reserve
// sessions, operators read status and toggle maintenance.
//
// Routes are a fixed table of handlers that take a parsed Request and return
// a Result. Handlers keep no state of their own; everything goes through the
// registry.
package control

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/cncnet/cncnet-tunnel/internal/auth"
	"github.com/cncnet/cncnet-tunnel/internal/httpserver"
	"github.com/cncnet/cncnet-tunnel/internal/registry"
)

// MinSessionSize is the smallest session handed out: a game needs two
// parties.
const MinSessionSize = 2

// Registry is the slice of *registry.Registry the control plane uses.
type Registry interface {
	AllocateSession(size int, requester netip.Addr, password string) ([]uint16, error)
	Stats() registry.Stats
	ToggleMaintenance() bool
}

type Config struct {
	MaxClients int
	// MaintenancePassword enables GET /maintenance/{password} when set.
	MaintenancePassword string
}

// Request is the parsed form of an HTTP request handed to a route.
type Request struct {
	Query     url.Values
	RemoteIP  netip.Addr
	RequestID string

	pathValue func(string) string
}

func (r Request) PathValue(name string) string {
	if r.pathValue == nil {
		return ""
	}
	return r.pathValue(name)
}

// Result is a route's response. Body is encoded as JSON.
type Result struct {
	Status int
	Body   any
}

type Route struct {
	Method  string
	Pattern string
	Handle  func(Request) Result
}

type ErrorBody struct {
	Error string `json:"error"`
}

type MaintenanceBody struct {
	Maintenance bool `json:"maintenance"`
}

type API struct {
	reg         Registry
	maxClients  int
	maintenance auth.PasswordVerifier
	log         *slog.Logger
}

func New(reg Registry, cfg Config, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxClients := cfg.MaxClients
	if maxClients < MinSessionSize {
		maxClients = MinSessionSize
	}
	return &API{
		reg:         reg,
		maxClients:  maxClients,
		maintenance: auth.PasswordVerifier{Expected: cfg.MaintenancePassword},
		log:         logger,
	}
}

// Routes returns the route table. The maintenance route only exists when a
// maintenance password is configured.
func (a *API) Routes() []Route {
	routes := []Route{
		{Method: http.MethodGet, Pattern: "/request", Handle: a.handleRequest},
		{Method: http.MethodGet, Pattern: "/status", Handle: a.handleStatus},
	}
	if a.maintenance.Required() {
		routes = append(routes, Route{Method: http.MethodGet, Pattern: "/maintenance/{password}", Handle: a.handleMaintenance})
	}
	return routes
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	for _, rt := range a.Routes() {
		mux.Handle(rt.Method+" "+rt.Pattern, adapt(rt.Handle))
	}
}

func adapt(handle func(Request) Result) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := handle(Request{
			Query:     r.URL.Query(),
			RemoteIP:  remoteIP(r.RemoteAddr),
			RequestID: r.Header.Get("X-Request-ID"),
			pathValue: r.PathValue,
		})
		if res.Status == 0 {
			res.Status = http.StatusOK
		}
		w.Header().Set("Cache-Control", "no-store")
		httpserver.WriteJSON(w, res.Status, res.Body)
	})
}

func remoteIP(remoteAddr string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap()
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func errorResult(status int, msg string) Result {
	return Result{Status: status, Body: ErrorBody{Error: msg}}
}

func (a *API) handleRequest(req Request) Result {
	size := MinSessionSize
	if raw := strings.TrimSpace(req.Query.Get("numclients")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errorResult(http.StatusBadRequest, "numclients must be a number")
		}
		size = n
	}
	size = min(max(size, MinSessionSize), a.maxClients)

	ids, err := a.reg.AllocateSession(size, req.RemoteIP, req.Query.Get("password"))
	switch {
	case err == nil:
		a.log.Info("session allocated", "ids", ids, "requester", req.RemoteIP.String(), "request_id", req.RequestID)
		return Result{Status: http.StatusOK, Body: ids}
	case errors.Is(err, registry.ErrUnauthorized):
		a.log.Info("session request rejected", "reason", "unauthorized", "requester", req.RemoteIP.String())
		return errorResult(http.StatusForbidden, "invalid password")
	case errors.Is(err, registry.ErrMaintenance):
		a.log.Info("session request rejected", "reason", "maintenance", "requester", req.RemoteIP.String())
		return errorResult(http.StatusServiceUnavailable, "tunnel is in maintenance mode")
	case errors.Is(err, registry.ErrCapacity):
		a.log.Info("session request rejected", "reason", "capacity", "requested", size, "requester", req.RemoteIP.String())
		return errorResult(http.StatusServiceUnavailable, "tunnel is full")
	case errors.Is(err, registry.ErrRateLimited):
		a.log.Info("session request rejected", "reason", "ip_limit", "requester", req.RemoteIP.String())
		return errorResult(http.StatusServiceUnavailable, "too many slots held by this address")
	default:
		a.log.Error("session allocation failed", "err", err)
		return errorResult(http.StatusInternalServerError, "allocation failed")
	}
}

func (a *API) handleStatus(Request) Result {
	return Result{Status: http.StatusOK, Body: a.reg.Stats()}
}

func (a *API) handleMaintenance(req Request) Result {
	if err := a.maintenance.Verify(req.PathValue("password")); err != nil {
		a.log.Warn("maintenance toggle rejected", "requester", req.RemoteIP.String())
		return errorResult(http.StatusForbidden, "invalid password")
	}
	on := a.reg.ToggleMaintenance()
	a.log.Info("maintenance mode toggled", "maintenance", on, "requester", req.RemoteIP.String())
	return Result{Status: http.StatusOK, Body: MaintenanceBody{Maintenance: on}}
}
