package history

import (
	"context"
	"time"

	"github.com/loykin/sidekick/internal/ports"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunched     EventType = "launched"
	EventLaunchFailed EventType = "launch_failed"
	EventExited       EventType = "exited"
	EventRestart      EventType = "restart"
	EventRollback     EventType = "rollback"
	EventOrphanReaped EventType = "orphan_reaped"
	EventUpdateOK     EventType = "update_ok"
	EventUpdateFailed EventType = "update_failed"
	EventHealthFailed EventType = "health_failed"
)

// DefaultTable is the table (or index) name used by the sinks.
const DefaultTable = "sidecar_history"

// Event is a sidecar lifecycle event exported to external systems.
type Event struct {
	Type       EventType         `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	PID        int               `json:"pid,omitempty"`
	ExitCode   int               `json:"exit_code,omitempty"`
	Ports      ports.ServerPorts `json:"ports"`
	Detail     string            `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Lister is implemented by sinks that can read events back, newest first.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}
