package service

import (
	"context"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

// TrajectorySink is the optional persistence hook a Driver writes
// trajectory records to as a completion progresses. A nil sink means
// persistence is disabled; every call site in this package checks for
// that before writing.
type TrajectorySink interface {
	Record(ctx context.Context, rec entity.TrajectoryRecord) error
}

// EventSink is the optional live-observation hook a Driver emits
// entity.DriverEvents to as a completion runs, one per observable step.
// Unlike TrajectorySink this is not meant to persist anything; it exists
// so a front end (the repl TUI, the websocket hub, the grpc streaming
// server) can render a completion while it is still in flight. A nil
// sink means nobody is watching and every call site skips the emit.
type EventSink interface {
	Emit(ctx context.Context, ev entity.DriverEvent)
}

// MultiEventSink fans one completion's events out to every sink in the
// list, in order. Used to attach both a process-wide metrics collector and
// a per-request observer (the repl TUI, a websocket client) to the same
// Driver.WithEvents call.
type MultiEventSink []EventSink

// Emit implements EventSink by calling each sink in turn.
func (m MultiEventSink) Emit(ctx context.Context, ev entity.DriverEvent) {
	for _, sink := range m {
		sink.Emit(ctx, ev)
	}
}
