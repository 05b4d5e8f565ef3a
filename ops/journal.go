// Package ops keeps recent log records in memory and serves them to
// operators.
package ops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of records a Journal retains.
const DefaultCapacity = 500

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`

	level slog.Level
}

// Journal is a fixed-size ring of log entries with live fan-out.
type Journal struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int

	subMu sync.RWMutex
	subs  map[string]chan Entry
}

// NewJournal allocates a journal holding up to capacity entries.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		entries: make([]Entry, capacity),
		subs:    make(map[string]chan Entry),
	}
}

// Append stores e, evicting the oldest entry when full, and forwards it to
// subscribers that have room.
func (j *Journal) Append(e Entry) {
	j.mu.Lock()
	j.entries[j.next] = e
	j.next = (j.next + 1) % len(j.entries)
	if j.count < len(j.entries) {
		j.count++
	}
	j.mu.Unlock()

	j.subMu.RLock()
	defer j.subMu.RUnlock()
	for _, ch := range j.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Len reports how many entries are retained.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.count
}

// Recent returns up to n of the newest entries at or above floor, oldest first.
func (j *Journal) Recent(n int, floor slog.Level) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Entry, 0, max(0, min(n, j.count)))
	size := len(j.entries)
	// Walk backwards from the newest, then reverse.
	for i := 1; i <= j.count && len(out) < n; i++ {
		e := j.entries[(j.next-i+size)%size]
		if e.level >= floor {
			out = append(out, e)
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// Subscribe registers a live listener. Entries are dropped for a listener
// whose buffer is full. The returned func unsubscribes and closes the channel.
func (j *Journal) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	id := uuid.NewString()
	ch := make(chan Entry, buffer)
	j.subMu.Lock()
	j.subs[id] = ch
	j.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.subMu.Lock()
			delete(j.subs, id)
			j.subMu.Unlock()
			close(ch)
		})
	}
}

// TeeHandler forwards records to an inner handler and copies them into a
// Journal, attributes included.
type TeeHandler struct {
	inner   slog.Handler
	journal *Journal
	attrs   []slog.Attr
	group   string
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler wraps inner.
func NewTeeHandler(inner slog.Handler, j *Journal) *TeeHandler {
	return &TeeHandler{inner: inner, journal: j}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		level:   r.Level,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		e.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			e.Attrs[a.Key] = a.Value.Resolve().Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			e.Attrs[h.key(a.Key)] = a.Value.Resolve().Any()
			return true
		})
	}
	h.journal.Append(e)
	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	return &c
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	c.group = h.key(name)
	return &c
}

func (h *TeeHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}
