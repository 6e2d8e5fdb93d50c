package supervisor

import (
	"time"

	"github.com/loykin/sidekick/internal/ports"
)

// Status is a point-in-time view of the supervisor.
type Status struct {
	State           string            `json:"state"`
	Started         bool              `json:"started"`
	Running         bool              `json:"running"`
	Restarting      bool              `json:"restarting"`
	Updating        bool              `json:"updating"`
	PID             int               `json:"pid,omitempty"`
	Ports           ports.ServerPorts `json:"ports"`
	LaunchedAt      time.Time         `json:"launched_at,omitempty"`
	Launches        uint32            `json:"launches"`
	Restarts        uint32            `json:"restarts"`
	HealthFailures  int               `json:"health_failures"`
	StartupFailures int               `json:"startup_failures"`
}

// publish stores a snapshot for Status. Called by loop after every command.
func (s *Supervisor) publish() {
	st := &Status{
		State:           s.state.String(),
		Started:         s.started,
		Running:         s.running,
		Restarting:      s.restartPending,
		Updating:        s.updatePending,
		Ports:           s.ports,
		Launches:        s.launches,
		Restarts:        s.restarts,
		HealthFailures:  s.healthFailures,
		StartupFailures: s.startupFailures,
	}
	if s.running && s.handle.Valid() {
		st.PID = s.handle.PID()
		st.LaunchedAt = s.launchedAt
	}
	s.status.Store(st)
}
