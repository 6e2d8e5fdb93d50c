package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/sidekick/internal/health"
	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/ports"
	"github.com/loykin/sidekick/internal/prefs"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/state"
	"github.com/loykin/sidekick/internal/updater"
)

var (
	ErrBusy        = errors.New("restart or update already in progress")
	ErrNotRunning  = errors.New("supervisor not started")
	ErrStopped     = errors.New("supervisor stopped")
	ErrShutdown    = errors.New("supervisor shutting down")
	ErrNoUpdater   = errors.New("updater not running")
	ErrInvalidPort = errors.New("invalid port override")
)

// Supervisor keeps one sidecar process alive for the lifetime of the host.
//
// Every state transition happens on a single goroutine (loop). Timers,
// preference changes, probe results and worker completions are delivered to
// it as commands, so restartPending and updatePending need no locking.
// Blocking work (lock acquisition, spawn, exit waits, kills, port probes)
// runs on worker goroutines that post their result back.
type Supervisor struct {
	opts   Options
	fixed  ports.Fixed
	logger *slog.Logger

	resolver PortResolver
	lock     LockGuard
	store    state.Store
	proc     process.Controller
	health   health.Checker
	proxy    Proxy
	endpoint Endpoint
	prefs    prefs.Store
	newUpd   func(updater.Restarter) updater.Updater
	history  *history.Recorder

	cmdChan  chan command
	doneChan chan struct{}
	status   atomic.Pointer[Status]

	// Owned by loop.
	state          State
	started        bool
	running        bool
	restartPending bool
	updatePending  bool
	updateDone     func(ok bool)
	startReply     chan error
	handle         *process.Handle
	launchedAt     time.Time
	ports          ports.ServerPorts
	updater        updater.Updater
	unwatch        func()

	// epoch invalidates worker results after Stop.
	epoch uint64
	// timerGen invalidates timer ticks and probe results after stopTimers.
	timerGen      uint64
	healthTimer   *time.Timer
	processTimer  *time.Timer
	healthPending bool

	healthFailures  int
	startupFailures int
	launches        uint32
	restarts        uint32
}

// New returns a Supervisor. Nothing runs until Start.
func New(opts Options, deps Deps) (*Supervisor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "supervisor")
	if err := checkOverrides(opts.Overrides, logger); err != nil {
		return nil, err
	}
	s := &Supervisor{
		opts:     opts,
		fixed:    opts.fixed(),
		logger:   logger,
		resolver: deps.Ports,
		lock:     deps.Lock,
		store:    deps.State,
		proc:     deps.Process,
		health:   deps.Health,
		proxy:    deps.Proxy,
		endpoint: deps.Endpoint,
		prefs:    deps.Prefs,
		newUpd:   deps.NewUpdater,
		history:  deps.History,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
		state:    StateStopped,
		ports:    opts.DefaultPorts,
	}
	s.publish()
	go s.loop()
	return s, nil
}

// checkOverrides rejects only values that are not TCP ports. Operator
// overrides onto reserved or restricted ports are accepted with a warning.
func checkOverrides(o ports.ServerPorts, logger *slog.Logger) error {
	for name, p := range map[string]int{"cdp": o.CDP, "proxy": o.Proxy, "backend": o.Backend, "extension": o.Extension} {
		if p < 0 || p > ports.MaxPort {
			return fmt.Errorf("%w: %s=%d", ErrInvalidPort, name, p)
		}
		if p != 0 && !ports.IsPortAllowed(p) {
			logger.Warn("port override is reserved or restricted, using it anyway", "port", name, "value", p)
		}
	}
	return nil
}

// Start brings the sidecar up and returns after the first launch attempt
// completes. It returns nil without doing anything when another process holds
// the lock, the server is disabled, or the supervisor is already started.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.call(ctx, command{action: actionStart})
}

// Stop terminates the sidecar and releases the proxy, the orphan record and
// the lock. The supervisor can be started again.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.call(ctx, command{action: actionStop})
}

// Restart terminates and relaunches the sidecar. With all set, the debug
// endpoint and the proxy are released and every port is resolved again.
func (s *Supervisor) Restart(ctx context.Context, all bool) error {
	return s.call(ctx, command{action: actionRestart, all: all})
}

// RestartForUpdate relaunches the sidecar on the best staged build. done is
// always called, on its own goroutine, with the outcome.
func (s *Supervisor) RestartForUpdate(done func(ok bool)) {
	if done == nil {
		done = func(bool) {}
	}
	// Called from updater goroutines that Stop waits on; never block them.
	go func() {
		if !s.post(command{action: actionRestartForUpdate, done: done}) {
			done(false)
		}
	}()
}

// CheckForUpdate asks the updater to look for a newer staged build now.
func (s *Supervisor) CheckForUpdate(ctx context.Context) error {
	return s.call(ctx, command{action: actionCheckUpdate})
}

// Shutdown stops the supervisor for good and flushes the history recorder.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.call(ctx, command{action: actionShutdown})
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.proxy.Close()
		return nil
	})
	g.Go(func() error { return s.history.Close(gctx) })
	if gerr := g.Wait(); err == nil {
		err = gerr
	}
	return err
}

// Status returns the latest published snapshot. It never blocks.
func (s *Supervisor) Status() Status {
	return *s.status.Load()
}

// Done is closed once Shutdown has finished.
func (s *Supervisor) Done() <-chan struct{} { return s.doneChan }

func (s *Supervisor) call(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.doneChan:
		// The reply is sent before the loop exits.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrShutdown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an internal command. It reports false after shutdown.
func (s *Supervisor) post(cmd command) bool {
	select {
	case s.cmdChan <- cmd:
		return true
	case <-s.doneChan:
		return false
	}
}

// async runs fn on a worker goroutine and posts its result to the loop.
func (s *Supervisor) async(fn func() command) {
	go func() { s.post(fn()) }()
}

func (s *Supervisor) loop() {
	defer close(s.doneChan)
	for cmd := range s.cmdChan {
		exit := s.handleCommand(cmd)
		s.publish()
		if exit {
			return
		}
	}
}

func (s *Supervisor) handleCommand(cmd command) bool {
	var err error
	switch cmd.action {
	case actionStart:
		s.handleStart(cmd)
		return false
	case actionStop:
		err = s.stop()
	case actionShutdown:
		err = s.stop()
		if s.unwatch != nil {
			s.unwatch()
			s.unwatch = nil
		}
		s.setState(StateStopped)
		cmd.respond(err)
		return true
	case actionRestart:
		err = s.handleRestart(cmd.all)
	case actionRestartForUpdate:
		s.handleRestartForUpdate(cmd.done)
	case actionCheckUpdate:
		err = s.handleCheckUpdate()
	case actionLocked:
		s.onLocked(cmd)
	case actionRecovered:
		s.onRecovered(cmd)
	case actionResolved:
		s.onResolved(cmd)
	case actionLaunched:
		s.onLaunched(cmd)
	case actionTerminated:
		s.onTerminated(cmd)
	case actionHealthTick:
		s.onHealthTick(cmd.gen)
	case actionHealthResult:
		s.onHealthResult(cmd.gen, cmd.ok)
	case actionProcessTick:
		s.onProcessTick(cmd.gen)
	case actionPrefChanged:
		s.onPrefChanged(cmd.key)
	}
	cmd.respond(err)
	return false
}

func (s *Supervisor) handleCheckUpdate() error {
	if s.updater == nil {
		return ErrNoUpdater
	}
	s.updater.CheckNow()
	return nil
}
