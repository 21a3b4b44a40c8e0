package observer

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	DefaultBacklog = 256

	subscriberQueue = 64
	wsWriteWait     = 5 * time.Second
)

// Frame is one message on the /events stream.
type Frame struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

const (
	FrameLog    = "log"
	FrameStatus = "status"
)

type subscriber struct {
	ch chan []byte
}

// Hub is a Sink that remembers the latest status and a bounded backlog of log
// lines, and streams both to WebSocket subscribers.
//
// Slow subscribers lose frames instead of blocking the caller.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	status  string
	subs    map[*subscriber]struct{}
	closed  bool
	dropped uint64
}

// NewHub returns a hub keeping the last backlog lines. checkOrigin guards the
// WebSocket upgrade; nil accepts same-host requests only.
func NewHub(backlog int, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		log:      logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		now:      time.Now,
		lines:    make([]string, backlog),
		subs:     make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Log(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines[h.next] = line
	h.next = (h.next + 1) % len(h.lines)
	if h.next == 0 {
		h.full = true
	}
	h.broadcastLocked(Frame{Type: FrameLog, Time: h.now(), Text: line})
}

func (h *Hub) Status(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = text
	h.broadcastLocked(Frame{Type: FrameStatus, Time: h.now(), Text: text})
}

// CurrentStatus returns the last status set.
func (h *Hub) CurrentStatus() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Backlog returns the retained log lines, oldest first.
func (h *Hub) Backlog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backlogLocked()
}

func (h *Hub) backlogLocked() []string {
	if !h.full {
		return append([]string(nil), h.lines[:h.next]...)
	}
	out := make([]string, 0, len(h.lines))
	out = append(out, h.lines[h.next:]...)
	return append(out, h.lines[:h.next]...)
}

// Dropped reports frames discarded because a subscriber fell behind.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) broadcastLocked(f Frame) {
	if len(h.subs) == 0 {
		return
	}
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	for sub := range h.subs {
		select {
		case sub.ch <- b:
		default:
			h.dropped++
		}
	}
}

// Close disconnects all subscribers. Later Log and Status calls still update
// the backlog and status.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

func (h *Hub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}

	backlog := h.backlogLocked()
	sub := &subscriber{ch: make(chan []byte, subscriberQueue+len(backlog)+1)}
	now := h.now()
	if h.status != "" {
		if b, err := json.Marshal(Frame{Type: FrameStatus, Time: now, Text: h.status}); err == nil {
			sub.ch <- b
		}
	}
	for _, line := range backlog {
		if b, err := json.Marshal(Frame{Type: FrameLog, Time: now, Text: line}); err == nil {
			sub.ch <- b
		}
	}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// ServeHTTP upgrades to a WebSocket and streams the current status, the
// backlog, then live frames until the client goes away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, ok := h.subscribe()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
		return
	}
	defer h.unsubscribe(sub)

	// The stream is one-way; reading only detects the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case b, ok := <-sub.ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Debug("events subscriber write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}
