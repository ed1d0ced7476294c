// Package logging builds the process logger: JSON to stderr plus an
// in-memory ring the control plane serves for inspection.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const ringCapacity = 1000

// Entry is one captured log line.
type Entry struct {
	Seq     int64     `json:"seq"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Ring keeps the newest log entries in a fixed-size buffer.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	filled  bool
	seq     int64
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{entries: make([]Entry, ringCapacity)}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.filled = true
	}
	r.mu.Unlock()
}

// After returns up to limit entries with Seq greater than seq, oldest
// first.
func (r *Ring) After(seq int64, limit int) []Entry {
	if limit <= 0 || limit > ringCapacity {
		limit = ringCapacity
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	start := 0
	if r.filled {
		size = len(r.entries)
		start = r.next
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < size && len(out) < limit; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// ringHandler mirrors records into the ring.
type ringHandler struct {
	ring  *Ring
	level slog.Level
	attrs []slog.Attr
}

func (h *ringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ringHandler) Handle(_ context.Context, rec slog.Record) error {
	var sb strings.Builder
	sb.WriteString(rec.Message)
	appendAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	rec.Attrs(appendAttr)
	h.ring.add(Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: sb.String(),
	})
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

func (h *ringHandler) WithGroup(string) slog.Handler { return h }

// fanout duplicates records to every child handler.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, rec slog.Record) error {
	var first error
	for _, h := range f.handlers {
		if h.Enabled(ctx, rec.Level) {
			if err := h.Handle(ctx, rec.Clone()); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: out}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return &fanout{handlers: out}
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the process logger: JSON on stderr and the ring, both
// at the given level.
func Setup(level string) (*slog.Logger, *Ring) {
	lvl := ParseLevel(level)
	ring := NewRing()
	handler := &fanout{handlers: []slog.Handler{
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}),
		&ringHandler{ring: ring, level: lvl},
	}}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, ring
}
