// Package events defines the structured lifecycle events emitted by the
// data-access core and the sink they are delivered to.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Kind names a lifecycle or failure event.
type Kind string

const (
	PoolExhausted          Kind = "pool_exhausted"
	ConnectionCreateFailed Kind = "connection_create_failed"
	ConnectionDiscarded    Kind = "connection_discarded"
	LeakSuspected          Kind = "leak_suspected"
	ForcedShutdown         Kind = "forced_shutdown"
	PoolClosed             Kind = "pool_closed"
	MigrationApplied       Kind = "migration_applied"
	MigrationFailed        Kind = "migration_failed"
	QueueFull              Kind = "queue_full"
	DataSourceActivated    Kind = "datasource_activated"
	DataSourceDeactivated  Kind = "datasource_deactivated"
	DataSourceFailed       Kind = "datasource_failed"
)

// Event is one structured event. DataSource is always set by the emitting component.
type Event struct {
	Kind       Kind
	DataSource string
	Level      slog.Level
	Message    string
	Err        error
	Attrs      []slog.Attr
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block: events are emitted from pool and worker goroutines.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

type slogSink struct {
	log *slog.Logger
}

// NewSlogSink forwards events to a slog logger.
func NewSlogSink(log *slog.Logger) Sink {
	if log == nil {
		log = slog.Default()
	}
	return &slogSink{log: log.With(slog.String("component", "datacore"))}
}

func (s *slogSink) Emit(ctx context.Context, e Event) {
	attrs := make([]slog.Attr, 0, len(e.Attrs)+3)
	attrs = append(attrs, slog.String("event", string(e.Kind)), slog.String("datasource", e.DataSource))
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	attrs = append(attrs, e.Attrs...)
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	s.log.LogAttrs(ctx, e.Level, msg, attrs...)
}

// Recorder keeps every event in memory. Used by tests and by the host health endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Fanout delivers each event to every sink.
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(ctx, e)
			}
		}
	})
}
