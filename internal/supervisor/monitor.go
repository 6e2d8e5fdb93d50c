package supervisor

import (
	"context"
	"time"

	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/prefs"
)

func (s *Supervisor) startTimers() {
	s.stopTimers()
	s.healthFailures = 0
	gen := s.timerGen
	s.healthTimer = s.arm(s.opts.HealthInterval, command{action: actionHealthTick, gen: gen})
	s.processTimer = s.arm(s.opts.ProcessInterval, command{action: actionProcessTick, gen: gen})
}

func (s *Supervisor) stopTimers() {
	s.timerGen++
	s.healthPending = false
	if s.healthTimer != nil {
		s.healthTimer.Stop()
		s.healthTimer = nil
	}
	if s.processTimer != nil {
		s.processTimer.Stop()
		s.processTimer = nil
	}
}

func (s *Supervisor) arm(d time.Duration, cmd command) *time.Timer {
	return time.AfterFunc(d, func() { s.post(cmd) })
}

func (s *Supervisor) onHealthTick(gen uint64) {
	if gen != s.timerGen || !s.running {
		return
	}
	s.healthTimer = s.arm(s.opts.HealthInterval, command{action: actionHealthTick, gen: gen})
	if s.healthPending {
		return
	}
	s.healthPending = true
	port := s.ports.Backend
	s.async(func() command {
		ok := s.health.CheckHealth(context.Background(), port)
		return command{action: actionHealthResult, gen: gen, ok: ok}
	})
}

// onHealthResult drops results from a previous monitoring generation.
func (s *Supervisor) onHealthResult(gen uint64, ok bool) {
	if gen != s.timerGen || !s.running || s.restartPending {
		return
	}
	s.healthPending = false
	metrics.IncHealthCheck(ok)
	if ok {
		s.healthFailures = 0
		return
	}
	s.healthFailures++
	s.logger.Warn("sidecar health check failed", "failures", s.healthFailures, "port", s.ports.Backend)
	s.record(history.EventHealthFailed, s.handle.PID(), 0, "")
	if s.healthFailures < s.opts.MaxHealthFailures {
		return
	}
	s.healthFailures = 0
	s.beginRestart(true, reasonHealth)
}

func (s *Supervisor) onProcessTick(gen uint64) {
	if gen != s.timerGen || !s.running || s.restartPending || !s.handle.Valid() {
		return
	}
	s.processTimer = s.arm(s.opts.ProcessInterval, command{action: actionProcessTick, gen: gen})
	if code, exited := s.proc.WaitForExitWithTimeout(s.handle, 0); exited {
		s.onExited(code)
	}
}

func (s *Supervisor) onPrefChanged(key string) {
	switch key {
	case prefs.KeyAllowRemote:
		allow := s.prefs.AllowRemote()
		s.logger.Info("allow_remote changed", "allow", allow)
		s.proxy.SetAllowRemote(allow)
	case prefs.KeyRestartRequested:
		if !s.prefs.RestartRequested() {
			return
		}
		if !s.started || s.busy() {
			s.logger.Info("restart requested while not idle, ignoring", "state", s.state.String())
			return
		}
		s.beginRestart(false, reasonRequested)
	}
}
