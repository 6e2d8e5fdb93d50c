package supervisor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/ports"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/state"
)

func (s *Supervisor) setState(next State) {
	if s.state == next {
		return
	}
	metrics.RecordStateTransition(s.state.String(), next.String())
	s.logger.Debug("state transition", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *Supervisor) record(typ history.EventType, pid, code int, detail string) {
	s.history.Record(history.Event{
		Type:     typ,
		PID:      pid,
		ExitCode: code,
		Ports:    s.ports,
		Detail:   detail,
	})
}

func (s *Supervisor) finishStart(err error) {
	if s.startReply != nil {
		s.startReply <- err
		s.startReply = nil
	}
}

// handleStart runs the synchronous part of startup and hands the lock
// acquisition to a worker. The caller's reply is held until the first launch
// result, or answered early when startup is skipped.
func (s *Supervisor) handleStart(cmd command) {
	if s.started || s.startReply != nil || s.state != StateStopped {
		cmd.respond(nil)
		return
	}

	p := s.prefs.LoadPorts().WithDefaults(s.opts.DefaultPorts)
	if err := p.Validate(); err != nil {
		s.logger.Warn("persisted ports invalid, using defaults", "ports", p, "error", err)
		p = s.opts.DefaultPorts
	}
	s.ports = applyOverrides(p, s.opts.Overrides)
	s.watchPrefs()
	s.savePorts()

	if s.opts.DisableServer {
		s.logger.Info("sidecar disabled by configuration")
		cmd.respond(nil)
		return
	}

	s.startReply = cmd.reply
	s.setState(StateAcquiringLock)
	epoch := s.epoch
	s.async(func() command {
		ok, err := s.lock.Acquire()
		return command{action: actionLocked, epoch: epoch, ok: ok, err: err}
	})
}

func applyOverrides(p, o ports.ServerPorts) ports.ServerPorts {
	if o.CDP > 0 {
		p.CDP = o.CDP
	}
	if o.Proxy > 0 {
		p.Proxy = o.Proxy
	}
	if o.Backend > 0 {
		p.Backend = o.Backend
	}
	if o.Extension > 0 {
		p.Extension = o.Extension
	}
	return p
}

func (s *Supervisor) watchPrefs() {
	if s.unwatch != nil {
		return
	}
	s.unwatch = s.prefs.Watch(func(key string) {
		s.post(command{action: actionPrefChanged, key: key})
	})
}

func (s *Supervisor) savePorts() {
	if err := s.prefs.SavePorts(s.ports); err != nil {
		s.logger.Warn("failed to persist ports", "error", err)
	}
}

func (s *Supervisor) onLocked(cmd command) {
	if cmd.epoch != s.epoch {
		if cmd.ok && !s.started && s.state == StateStopped {
			_ = s.lock.Release()
		}
		return
	}
	if cmd.err != nil {
		s.setState(StateStopped)
		s.finishStart(fmt.Errorf("acquire lock: %w", cmd.err))
		return
	}
	if !cmd.ok {
		// Another host instance owns the sidecar.
		s.logger.Info("lock held by another instance, not starting sidecar")
		s.setState(StateStopped)
		s.finishStart(nil)
		return
	}
	s.started = true
	s.setState(StateRecoveringOrphan)
	epoch := s.epoch
	s.async(func() command {
		outcome, rec := state.Recover(s.store, s.proc, s.logger)
		cmd := command{action: actionRecovered, epoch: epoch, orphan: outcome}
		if rec != nil {
			cmd.pid = rec.PID
		}
		return cmd
	})
}

func (s *Supervisor) onRecovered(cmd command) {
	if cmd.epoch != s.epoch {
		return
	}
	metrics.IncOrphanRecovery(cmd.orphan.String())
	if cmd.orphan == state.OutcomeKilled {
		s.record(history.EventOrphanReaped, cmd.pid, 0, cmd.orphan.String())
	}
	s.setState(StateResolvingPorts)
	epoch, cur, fixed := s.epoch, s.ports, s.fixed
	s.async(func() command {
		return command{action: actionResolved, epoch: epoch, ports: s.resolver.ResolveStartup(cur, fixed)}
	})
}

func (s *Supervisor) onResolved(cmd command) {
	if cmd.epoch != s.epoch {
		return
	}
	s.ports = cmd.ports
	s.savePorts()
	s.startFrontends()
	s.launch()
}

// startFrontends binds the debug endpoint and the proxy to their ports.
// Bind failures are logged; the sidecar still launches.
func (s *Supervisor) startFrontends() {
	if s.endpoint != nil {
		if err := s.endpoint.Start(s.ports.CDP); err != nil {
			s.logger.Warn("debug endpoint failed to start", "port", s.ports.CDP, "error", err)
		}
	}
	s.proxy.SetAllowRemote(s.prefs.AllowRemote())
	if err := s.proxy.Start(s.ports.Proxy); err != nil {
		s.logger.Warn("proxy failed to start", "port", s.ports.Proxy, "error", err)
	}
	metrics.SetPort("cdp", s.ports.CDP)
	metrics.SetPort("proxy", s.ports.Proxy)
}

func (s *Supervisor) stopFrontends() {
	s.proxy.Stop()
	if s.endpoint != nil {
		s.endpoint.Stop()
	}
}

func (s *Supervisor) launchConfig() process.LaunchConfig {
	binary, resources := s.opts.BinaryPath, s.opts.ResourcesDir
	if s.updater != nil {
		if b := s.updater.BestBinaryPath(); b != "" {
			binary = b
		}
		if r := s.updater.BestResourcesPath(); r != "" {
			resources = r
		}
	}
	fallbackResources := s.opts.ResourcesDir
	if s.opts.ResourcesOverride != "" {
		resources = s.opts.ResourcesOverride
		fallbackResources = s.opts.ResourcesOverride
	}
	return process.LaunchConfig{
		Paths: process.Paths{
			Binary:            binary,
			FallbackBinary:    s.opts.BinaryPath,
			Resources:         resources,
			FallbackResources: fallbackResources,
			Execution:         s.opts.ExecutionDir,
		},
		Ports: s.ports,
		Identity: process.Identity{
			InstallID:       s.prefs.InstallID(),
			HostVersion:     s.opts.HostVersion,
			ProtocolVersion: s.opts.ProtocolVersion,
		},
		AllowRemote: s.prefs.AllowRemote(),
	}
}

func (s *Supervisor) launch() {
	s.setState(StateLaunching)
	cfg := s.launchConfig()
	epoch := s.epoch
	s.logger.Info("launching sidecar", "binary", cfg.Paths.Binary, "ports", cfg.Ports)
	s.async(func() command {
		res := s.proc.Launch(context.Background(), cfg)
		return command{action: actionLaunched, epoch: epoch, launch: res}
	})
}

func (s *Supervisor) onLaunched(cmd command) {
	res := cmd.launch
	if cmd.epoch != s.epoch {
		// Stopped while spawning.
		if res.Handle.Valid() {
			s.proc.Terminate(res.Handle, false)
		}
		return
	}
	s.launches++

	if res.UsedFallback && s.updater != nil {
		s.updater.InvalidateDownloadedVersion()
	}

	if res.Err != nil || !res.Handle.Valid() {
		err := res.Err
		if err == nil {
			err = process.ErrInvalidHandle
		}
		s.logger.Error("sidecar launch failed", "ports", s.ports, "error", err)
		metrics.IncLaunch("failure")
		s.record(history.EventLaunchFailed, 0, 0, err.Error())
		s.restartPending = false
		s.setState(StateExited)
		if s.updatePending {
			s.finishUpdate(false)
		}
		s.finishStart(err)
		return
	}

	h := res.Handle
	s.handle = h
	s.running = true
	s.launchedAt = h.StartedAt()
	metrics.IncLaunch("success")
	metrics.SetRunning(true)
	metrics.SetPort("backend", s.ports.Backend)
	metrics.SetPort("extension", s.ports.Extension)
	s.proxy.SetBackendPort(s.ports.Backend)
	s.writeOrphanRecord(h.PID())
	s.record(history.EventLaunched, h.PID(), 0, "")
	s.startTimers()

	if s.restartPending {
		s.restartPending = false
		if s.prefs.RestartRequested() {
			if err := s.prefs.SetRestartRequested(false); err != nil {
				s.logger.Warn("failed to reset restart request", "error", err)
			}
		}
	}
	s.setState(StateRunning)
	if s.updatePending {
		s.finishUpdate(true)
	}

	if s.updater == nil && !s.opts.DisableUpdater && s.newUpd != nil {
		s.updater = s.newUpd(s)
		s.updater.Start()
	}
	s.logger.Info("sidecar running", "pid", h.PID(), "ports", s.ports)
	s.finishStart(nil)
}

func (s *Supervisor) writeOrphanRecord(pid int) {
	ct, ok := s.proc.CreationTime(pid)
	if !ok {
		s.logger.Warn("cannot read sidecar creation time, orphan record not written", "pid", pid)
		return
	}
	if err := s.store.Write(state.OrphanRecord{PID: pid, CreationTime: ct}); err != nil {
		s.logger.Warn("failed to write orphan record", "pid", pid, "error", err)
	}
}

func (s *Supervisor) finishUpdate(ok bool) {
	done := s.updateDone
	s.updatePending = false
	s.updateDone = nil
	if ok {
		s.record(history.EventUpdateOK, s.handle.PID(), 0, "")
	} else {
		s.record(history.EventUpdateFailed, 0, 0, "")
	}
	if done != nil {
		go done(ok)
	}
}

// terminate asks the sidecar to shut down over HTTP and falls back to
// signalling its process group. It does not wait.
func (s *Supervisor) terminate(h *process.Handle, backendPort int) {
	if !h.Valid() {
		return
	}
	if s.health.RequestShutdown(context.Background(), backendPort) {
		return
	}
	s.logger.Info("shutdown request failed, signalling sidecar", "pid", h.PID())
	s.proc.Terminate(h, false)
}

// terminateAndWait is terminate followed by a bounded wait and a forced kill.
// It runs on a worker.
func (s *Supervisor) terminateAndWait(h *process.Handle, backendPort int) {
	if !h.Valid() {
		return
	}
	s.terminate(h, backendPort)
	if _, exited := s.proc.WaitForExitWithTimeout(h, s.opts.ExitWait); exited {
		return
	}
	s.logger.Warn("sidecar did not exit in time, killing", "pid", h.PID(), "wait", s.opts.ExitWait)
	s.proc.Kill(h.PID(), 0)
	s.proc.WaitForExitWithTimeout(h, s.opts.ExitWait)
}

// stop tears everything down. The sidecar is terminated without waiting.
func (s *Supervisor) stop() error {
	if !s.started && s.startReply == nil && s.state == StateStopped {
		return nil
	}
	s.epoch++
	s.finishStart(ErrStopped)
	s.setState(StateTerminating)
	s.running = false
	s.stopTimers()
	metrics.SetRunning(false)

	if s.updater != nil {
		s.updater.Stop()
		s.updater = nil
	}
	s.restartPending = false
	if s.updatePending {
		s.finishUpdate(false)
	}

	h, backend := s.handle, s.ports.Backend
	go s.terminate(h, backend)

	var g errgroup.Group
	g.Go(func() error {
		s.proxy.Stop()
		return nil
	})
	if s.endpoint != nil {
		g.Go(func() error {
			s.endpoint.Stop()
			return nil
		})
	}
	g.Go(func() error { return s.store.Delete() })
	if err := g.Wait(); err != nil {
		s.logger.Warn("failed to delete orphan record", "error", err)
	}

	var err error
	if s.started {
		if err = s.lock.Release(); err != nil {
			s.logger.Warn("failed to release lock", "error", err)
		}
	}
	s.started = false
	s.handle = nil
	s.setState(StateStopped)
	s.logger.Info("supervisor stopped")
	return err
}

func exitClass(code int) string {
	switch code {
	case 0:
		return "clean"
	case ExitCodePortConflict:
		return "port_conflict"
	default:
		return "failure"
	}
}

func uptime(since time.Time) time.Duration {
	if since.IsZero() {
		return 0
	}
	return time.Since(since)
}
