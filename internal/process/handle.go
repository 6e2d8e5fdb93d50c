package process

import "time"

// Handle refers to a launched sidecar. A nil Handle is invalid.
type Handle struct {
	pid       int
	startedAt time.Time
	done      chan struct{}
	exitCode  int
}

// NewHandle returns a Handle for pid and the function that marks it exited.
// The exit function must be called exactly once.
func NewHandle(pid int) (*Handle, func(code int)) {
	h := &Handle{pid: pid, startedAt: time.Now(), done: make(chan struct{})}
	return h, func(code int) {
		h.exitCode = code
		close(h.done)
	}
}

func (h *Handle) Valid() bool { return h != nil && h.pid > 0 }

func (h *Handle) PID() int {
	if h == nil {
		return 0
	}
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	if h == nil {
		return time.Time{}
	}
	return h.startedAt
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the exit code if the process has exited.
// A process killed by a signal reports 128+signal.
func (h *Handle) ExitCode() (int, bool) {
	select {
	case <-h.done:
		return h.exitCode, true
	default:
		return 0, false
	}
}
