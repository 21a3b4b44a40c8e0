package observer

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp prefix of every line sent to a Sink.
const TimeLayout = "2006-01-02 15:04:05"

// Handler renders slog records into "[timestamp] message key=value" lines.
// Multi-line messages are split and each line is timestamped on its own.
type Handler struct {
	sink  Sink
	level slog.Leveler

	// prefix holds pre-rendered attributes from WithAttrs.
	prefix string
	group  string
}

func NewHandler(sink Sink, level slog.Leveler) *Handler {
	if sink == nil {
		sink = Nop{}
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{sink: sink, level: level}
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := "[" + ts.Format(TimeLayout) + "] "

	var attrs strings.Builder
	attrs.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&attrs, h.group, a)
		return true
	})

	level := ""
	if r.Level >= slog.LevelWarn {
		level = r.Level.String() + " "
	}

	lines := strings.Split(strings.TrimRight(r.Message, "\r\n"), "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if i == len(lines)-1 && attrs.Len() > 0 {
			line += attrs.String()
		}
		h.sink.Log(stamp + level + line)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		appendAttr(&b, h.group, a)
	}
	h2 := *h
	h2.prefix = b.String()
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h2.group != "" {
		h2.group += "." + name
	} else {
		h2.group = name
	}
	return &h2
}

func appendAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(b, key, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(quoteIfNeeded(a.Value.String()))
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " =\"\n\t") {
		return strconv.Quote(s)
	}
	return s
}
