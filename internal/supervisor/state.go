package supervisor

// State is the supervisor's lifecycle state.
//
// Stopped -> AcquiringLock -> RecoveringOrphan -> ResolvingPorts -> Launching -> Running
// Running -> Restarting | UpdateRestarting -> Launching
// Running -> Exited (clean exit or failed launch; resources are still held)
// any -> Terminating -> Stopped
type State int32

const (
	StateStopped State = iota
	StateAcquiringLock
	StateRecoveringOrphan
	StateResolvingPorts
	StateLaunching
	StateRunning
	StateRestarting
	StateUpdateRestarting
	StateExited
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateAcquiringLock:
		return "acquiring_lock"
	case StateRecoveringOrphan:
		return "recovering_orphan"
	case StateResolvingPorts:
		return "resolving_ports"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateUpdateRestarting:
		return "update_restarting"
	case StateExited:
		return "exited"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// starting reports whether s is one of the startup steps before the first
// launch result.
func (s State) starting() bool {
	switch s {
	case StateAcquiringLock, StateRecoveringOrphan, StateResolvingPorts:
		return true
	}
	return false
}
