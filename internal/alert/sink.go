package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dreamware/shardops/internal/cluster"
)

// Sink receives topology events. Notify must not block for long: the
// watcher calls sinks from its poll loop.
type Sink interface {
	Notify(ctx context.Context, ev cluster.TopologyEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev cluster.TopologyEvent) error

func (f SinkFunc) Notify(ctx context.Context, ev cluster.TopologyEvent) error {
	return f(ctx, ev)
}

// LogSink writes events to a structured logger. Elections and quorum changes
// log at warn level, role transitions at info.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, ev cluster.TopologyEvent) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelWarn
	if ev.Kind == cluster.EventRoleTransition || ev.Kind == cluster.EventQuorumRestored {
		level = slog.LevelInfo
	}
	l.Log(ctx, level, "topology event",
		"id", ev.ID.String(),
		"kind", string(ev.Kind),
		"poll", ev.Poll,
		"event", ev.String())
	return nil
}

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu     sync.RWMutex
	events []cluster.TopologyEvent
	next   int
	full   bool
	total  uint64
}

// NewRecorder returns a recorder holding up to capacity events (at least 1).
func NewRecorder(capacity int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	return &Recorder{events: make([]cluster.TopologyEvent, capacity)}
}

func (r *Recorder) Notify(_ context.Context, ev cluster.TopologyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	return nil
}

// Events returns up to limit of the most recent events, oldest first. A
// limit of zero or less returns everything held.
func (r *Recorder) Events(limit int) []cluster.TopologyEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []cluster.TopologyEvent
	if r.full {
		out = append(out, r.events[r.next:]...)
	}
	out = append(out, r.events[:r.next]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Total counts every event ever recorded, including evicted ones.
func (r *Recorder) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Count returns how many held events are of kind.
func (r *Recorder) Count(kind cluster.EventKind) int {
	n := 0
	for _, ev := range r.Events(0) {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, ev cluster.TopologyEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
