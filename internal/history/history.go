// Package history journals the child's lifecycle so restarts and crash
// loops can be reviewed after the fact.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/logger"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn     EventType = "spawn"
	EventExit      EventType = "exit"
	EventRestart   EventType = "restart"
	EventCrashLoop EventType = "crash_loop"
	EventShutdown  EventType = "shutdown"
)

// Event is one journal entry. RunID is shared by every event of one
// watchdog run.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

type nopSink struct{}

func (nopSink) Send(context.Context, Event) error { return nil }

// Nop discards every event.
func Nop() Sink { return nopSink{} }

// Recorder stamps events with the run id and clock before handing them to
// a Sink. Sink failures are logged, never returned: the journal must not
// interfere with supervision.
type Recorder struct {
	sink  Sink
	runID string
	now   func() time.Time
	log   *slog.Logger
}

// NewRecorder returns a Recorder with a fresh run id. A nil sink discards.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if sink == nil {
		sink = Nop()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Recorder{
		sink:  sink,
		runID: uuid.NewString(),
		now:   time.Now,
		log:   log.With(logger.ComponentKey, "history"),
	}
}

// RunID identifies this watchdog run.
func (r *Recorder) RunID() string { return r.runID }

// Record sends one event.
func (r *Recorder) Record(ctx context.Context, typ EventType, pid int, detail string) {
	e := Event{Type: typ, OccurredAt: r.now().UTC(), RunID: r.runID, PID: pid, Detail: detail}
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Error("history write failed", "type", string(typ), "error", err)
	}
}
