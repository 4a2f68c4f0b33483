// Package events fans engine outcomes out to fire-and-forget sinks.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tweakengine/internal/logging"
	"tweakengine/internal/store"
)

// Name is what the engine attempted.
type Name string

const (
	NameApply   Name = "apply"
	NameRevert  Name = "revert"
	NameRecover Name = "recover"
	NameNoop    Name = "noop"
)

// Result is the outcome of an attempt.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultNoop    Result = "noop"
)

// Event is one apply, revert or recovery attempt.
type Event struct {
	Name      Name
	RunID     string
	TweakID   string
	HistoryID int64
	Result    Result
	Error     string
	At        time.Time
}

// Sink receives events. Errors are logged by the dispatcher and go no further.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Dispatcher delivers each event to every sink. A nil Dispatcher drops events.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher returns a dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logging.OrDiscard(logger)}
}

// Emit delivers e. Sink errors and panics never reach the caller.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if d == nil {
		return
	}
	for _, s := range d.sinks {
		if err := safeEmit(ctx, s, e); err != nil {
			d.logger.Warn("event sink failed", "sink", fmt.Sprintf("%T", s), "event", e.Name, "error", err)
		}
	}
}

func safeEmit(ctx context.Context, s Sink, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.Emit(ctx, e)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Result == ResultFailure {
		level = slog.LevelError
	}
	attrs := []any{"event", e.Name, "tweak_id", e.TweakID, "result", e.Result}
	if e.HistoryID != 0 {
		attrs = append(attrs, "history_id", e.HistoryID)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	s.Logger.Log(ctx, level, "tweak event", attrs...)
	return nil
}

// StoreSink keeps events in the history database.
type StoreSink struct {
	Store *store.Store
}

func (s StoreSink) Emit(ctx context.Context, e Event) error {
	_, err := s.Store.InsertEvent(ctx, &store.EventRecord{
		RunID:     e.RunID,
		Name:      string(e.Name),
		TweakID:   e.TweakID,
		HistoryID: e.HistoryID,
		Result:    string(e.Result),
		Error:     e.Error,
		At:        e.At,
	})
	return err
}

// AuditSink appends events to the audit trail.
type AuditSink struct {
	Audit *logging.AuditLogger
}

func (s AuditSink) Emit(ctx context.Context, e Event) error {
	return s.Audit.Log(ctx, logging.AuditEvent{
		Timestamp: e.At,
		EventType: logging.AuditEventType(e.Name),
		RunID:     e.RunID,
		TweakID:   e.TweakID,
		HistoryID: e.HistoryID,
		Result:    string(e.Result),
		Error:     e.Error,
	})
}
