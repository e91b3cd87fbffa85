// Package audit records every run and step state transition as an append-only
// event stream. Sinks receive events synchronously in transition order.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is a single audit record for one state transition.
type Event struct {
	RunID  string         `json:"run_id"`
	Step   string         `json:"step,omitempty"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	At     time.Time      `json:"at"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Sink consumes audit events. Implementations must be safe for concurrent
// use; the engine may append from multiple step goroutines.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Append(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs each event at Info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(ctx context.Context, ev Event) error {
	attrs := []any{
		slog.String("run_id", ev.RunID),
		slog.String("type", ev.Type),
		slog.String("status", ev.Status),
		slog.Time("at", ev.At),
	}
	if ev.Step != "" {
		attrs = append(attrs, slog.String("step", ev.Step))
	}
	if len(ev.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", ev.Detail))
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// MultiSink fans out events to several sinks. Append returns the first error
// but still delivers to every sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink wrapping the given sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Append(ctx context.Context, ev Event) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Append(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemorySink buffers events in memory, primarily for tests and for serving
// the per-run event history API.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of all recorded events in append order.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ForRun returns the events recorded for one run, in append order.
func (s *MemorySink) ForRun(runID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}
