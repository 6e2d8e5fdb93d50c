package supervisor

import (
	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/ports"
)

const (
	reasonManual       = "manual"
	reasonHealth       = "health"
	reasonCrash        = "crash"
	reasonPortConflict = "port_conflict"
	reasonUpdate       = "update"
	reasonRequested    = "requested"
)

// busy reports whether a restart, update or startup step is in flight.
func (s *Supervisor) busy() bool {
	return s.restartPending || s.updatePending || s.state.starting() || s.state == StateLaunching
}

func (s *Supervisor) handleRestart(all bool) error {
	if !s.started {
		return ErrNotRunning
	}
	if s.busy() {
		return ErrBusy
	}
	s.beginRestart(all, reasonManual)
	return nil
}

func (s *Supervisor) handleRestartForUpdate(done func(ok bool)) {
	if !s.started || s.busy() {
		s.logger.Info("update restart refused", "started", s.started, "state", s.state.String())
		go done(false)
		return
	}
	s.updatePending = true
	s.updateDone = done
	s.beginRestart(false, reasonUpdate)
}

// beginRestart stops monitoring and hands termination, the exit wait and port
// resolution to a worker. restartPending stays set until the next launch
// result; an in-flight restart cannot be cancelled except by Stop.
func (s *Supervisor) beginRestart(all bool, reason string) {
	s.restartPending = true
	s.restarts++
	s.stopTimers()
	s.running = false
	metrics.SetRunning(false)
	metrics.IncRestart(reason)
	if s.updatePending {
		s.setState(StateUpdateRestarting)
	} else {
		s.setState(StateRestarting)
	}
	s.logger.Info("restarting sidecar", "reason", reason, "revalidate_all", all)
	s.record(history.EventRestart, s.handle.PID(), 0, reason)

	if all {
		// Frontends are only ever touched on the loop.
		s.stopFrontends()
	}
	h, cur, fixed, epoch := s.handle, s.ports, s.fixed, s.epoch
	s.async(func() command {
		s.terminateAndWait(h, cur.Backend)
		var next ports.ServerPorts
		if all {
			next = s.resolver.ResolveStartup(cur, fixed)
		} else {
			next = s.resolver.ResolveVolatile(cur, fixed)
		}
		return command{action: actionTerminated, epoch: epoch, all: all, ports: next}
	})
}

func (s *Supervisor) onTerminated(cmd command) {
	if cmd.epoch != s.epoch {
		return
	}
	s.handle = nil
	s.ports = cmd.ports
	s.savePorts()
	if cmd.all {
		s.startFrontends()
	}
	s.launch()
}

// onExited applies the restart policy to an unexpected sidecar exit.
func (s *Supervisor) onExited(code int) {
	pid := s.handle.PID()
	up := uptime(s.launchedAt)
	s.running = false
	s.stopTimers()
	metrics.SetRunning(false)
	metrics.IncExit(exitClass(code))
	s.record(history.EventExited, pid, code, "")
	s.setState(StateExited)

	if code == 0 {
		s.logger.Info("sidecar exited cleanly", "pid", pid, "uptime", up)
		return
	}
	s.logger.Warn("sidecar exited", "pid", pid, "exit_code", code, "uptime", up)

	if up < s.opts.StartupGrace {
		s.startupFailures++
		metrics.IncStartupFailure()
		if s.startupFailures >= s.opts.MaxStartupFailures {
			s.logger.Error("sidecar keeps failing at startup", "failures", s.startupFailures)
			if s.updater != nil {
				s.updater.InvalidateDownloadedVersion()
				metrics.IncRollback()
				s.record(history.EventRollback, pid, code, "")
			}
			s.startupFailures = 0
		}
	} else {
		s.startupFailures = 0
	}

	if s.restartPending {
		return
	}
	if code == ExitCodePortConflict {
		s.beginRestart(true, reasonPortConflict)
		return
	}
	s.beginRestart(false, reasonCrash)
}
