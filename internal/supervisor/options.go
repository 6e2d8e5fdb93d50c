package supervisor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/sidekick/internal/health"
	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/ports"
	"github.com/loykin/sidekick/internal/prefs"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/state"
	"github.com/loykin/sidekick/internal/updater"
)

const (
	DefaultHealthInterval     = 30 * time.Second
	DefaultProcessInterval    = 5 * time.Second
	DefaultStartupGrace       = 30 * time.Second
	DefaultExitWait           = 5 * time.Second
	DefaultMaxHealthFailures  = 3
	DefaultMaxStartupFailures = 3

	// ExitCodePortConflict is the sidecar's exit code when a port was taken.
	ExitCodePortConflict = 2
)

// PortResolver picks the ports for a launch.
type PortResolver interface {
	ResolveStartup(pref ports.ServerPorts, fixed ports.Fixed) ports.ServerPorts
	ResolveVolatile(cur ports.ServerPorts, fixed ports.Fixed) ports.ServerPorts
}

// LockGuard is the single-instance lock of the execution directory.
type LockGuard interface {
	Acquire() (bool, error)
	Release() error
}

// Proxy fronts the sidecar's backend on the stable proxy port.
type Proxy interface {
	Start(port int) error
	Stop()
	Close()
	SetBackendPort(port int)
	SetAllowRemote(allow bool)
}

// Endpoint is the host's debug-protocol listener bound to the CDP port.
type Endpoint interface {
	Start(port int) error
	Stop()
}

// Options are the static settings of a Supervisor.
type Options struct {
	ExecutionDir string
	// BinaryPath and ResourcesDir are the bundled sidecar build.
	BinaryPath   string
	ResourcesDir string
	// ResourcesOverride replaces the resources directory of every build.
	ResourcesOverride string
	HostVersion       string
	ProtocolVersion   string

	// DefaultPorts are used when nothing valid has been persisted.
	DefaultPorts ports.ServerPorts
	// Overrides pins ports from the command line; zero fields are unset.
	Overrides ports.ServerPorts

	DisableServer  bool
	DisableUpdater bool

	HealthInterval     time.Duration
	ProcessInterval    time.Duration
	StartupGrace       time.Duration
	ExitWait           time.Duration
	MaxHealthFailures  int
	MaxStartupFailures int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	o.DefaultPorts = o.DefaultPorts.WithDefaults(ports.Defaults())
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.ProcessInterval <= 0 {
		o.ProcessInterval = DefaultProcessInterval
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = DefaultStartupGrace
	}
	if o.ExitWait <= 0 {
		o.ExitWait = DefaultExitWait
	}
	if o.MaxHealthFailures <= 0 {
		o.MaxHealthFailures = DefaultMaxHealthFailures
	}
	if o.MaxStartupFailures <= 0 {
		o.MaxStartupFailures = DefaultMaxStartupFailures
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) fixed() ports.Fixed {
	return ports.Fixed{
		CDP:       o.Overrides.CDP > 0,
		Proxy:     o.Overrides.Proxy > 0,
		Backend:   o.Overrides.Backend > 0,
		Extension: o.Overrides.Extension > 0,
	}
}

// Deps are the collaborators of a Supervisor. Endpoint, NewUpdater and
// History are optional.
type Deps struct {
	Ports      PortResolver
	Lock       LockGuard
	State      state.Store
	Process    process.Controller
	Health     health.Checker
	Proxy      Proxy
	Endpoint   Endpoint
	Prefs      prefs.Store
	NewUpdater func(r updater.Restarter) updater.Updater
	History    *history.Recorder
}

func (d Deps) validate() error {
	switch {
	case d.Ports == nil:
		return errors.New("supervisor: port resolver is required")
	case d.Lock == nil:
		return errors.New("supervisor: lock guard is required")
	case d.State == nil:
		return errors.New("supervisor: state store is required")
	case d.Process == nil:
		return errors.New("supervisor: process controller is required")
	case d.Health == nil:
		return errors.New("supervisor: health checker is required")
	case d.Proxy == nil:
		return errors.New("supervisor: proxy is required")
	case d.Prefs == nil:
		return errors.New("supervisor: preference store is required")
	}
	return nil
}
