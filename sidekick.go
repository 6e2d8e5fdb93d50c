// Package sidekick supervises a single sidecar server process on behalf of a
// host application: it negotiates ports, fronts the sidecar with a stable
// proxy, restarts it on failure and swaps in staged updates.
package sidekick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/sidekick/internal/config"
	"github.com/loykin/sidekick/internal/health"
	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/history/factory"
	"github.com/loykin/sidekick/internal/lock"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/ports"
	"github.com/loykin/sidekick/internal/prefs"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/proxy"
	iapi "github.com/loykin/sidekick/internal/server"
	"github.com/loykin/sidekick/internal/state"
	"github.com/loykin/sidekick/internal/supervisor"
	"github.com/loykin/sidekick/internal/updater"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Ports = ports.ServerPorts

type Status = supervisor.Status

type HistoryEvent = history.Event

var (
	ErrBusy       = supervisor.ErrBusy
	ErrNotRunning = supervisor.ErrNotRunning
	ErrNoUpdater  = supervisor.ErrNoUpdater
)

// LoadConfig reads a TOML config file. An empty path uses defaults and
// SIDEKICK_* environment variables only.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultPorts returns the built-in port assignment.
func DefaultPorts() Ports { return ports.Defaults() }

// Options are per-run settings layered over Config, usually from flags.
type Options struct {
	// Overrides pins ports; zero fields are negotiated.
	Overrides Ports
	// ResourcesDir replaces the resources directory of every build.
	ResourcesDir   string
	DisableServer  bool
	DisableUpdater bool
	// Endpoint is the host's debug-protocol listener, bound to the CDP port.
	Endpoint supervisor.Endpoint
	// Logger overrides the logger built from Config.
	Logger *slog.Logger
}

// Daemon owns one supervisor and everything around it.
type Daemon struct {
	cfg     *Config
	logger  *slog.Logger
	sup     *supervisor.Supervisor
	prefs   *prefs.FileStore
	sampler *metrics.Sampler
	router  *iapi.Router
	admin   *http.Server
}

// New wires a Daemon from c. Nothing is launched until Run or Start.
func New(c *Config, opts Options) (*Daemon, error) {
	if c == nil {
		return nil, errors.New("config is required")
	}
	execDir := c.Sidecar.ExecutionDir
	if err := os.MkdirAll(execDir, 0o750); err != nil {
		return nil, fmt.Errorf("create execution dir %s: %w", execDir, err)
	}
	lc := c.Logger()
	if lc.File.Dir != "" {
		if err := os.MkdirAll(lc.File.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", lc.File.Dir, err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = lc.NewSlogger()
	}

	env, err := c.SidecarEnv()
	if err != nil {
		return nil, err
	}

	ps, err := prefs.Open(execDir, prefs.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}

	rec, lister, err := openHistory(c.History, logger)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	sopts := c.SupervisorOptions(opts.Overrides)
	if opts.ResourcesDir != "" {
		sopts.ResourcesOverride = opts.ResourcesDir
	}
	sopts.DisableServer = sopts.DisableServer || opts.DisableServer
	sopts.DisableUpdater = sopts.DisableUpdater || opts.DisableUpdater
	sopts.Logger = logger

	deps := supervisor.Deps{
		Ports: ports.NewNegotiator(ports.NetProber{}, ports.WithBase(c.Ports), ports.WithLogger(logger)),
		Lock:  lock.New(execDir),
		State: state.NewFileStore(execDir),
		Process: process.NewExecController(
			process.WithLogFiles(lc.File),
			process.WithEnv(env...),
			process.WithLogger(logger),
		),
		Health: health.NewHTTPChecker(health.WithLogger(logger)),
		Proxy: proxy.New(
			proxy.WithHost(c.Proxy.Host),
			proxy.WithUpstreamTimeout(c.Proxy.UpstreamTimeout),
			proxy.WithLogger(logger),
		),
		Endpoint: opts.Endpoint,
		Prefs:    ps,
		History:  rec,
	}
	if !sopts.DisableUpdater {
		ucfg := updater.Config{
			Dir:               c.Updater.Dir,
			FallbackBinary:    c.Sidecar.Binary,
			FallbackResources: c.Sidecar.ResourcesDir,
			PollInterval:      c.Updater.PollInterval,
			Logger:            logger,
		}
		deps.NewUpdater = func(r updater.Restarter) updater.Updater { return updater.New(ucfg, r) }
	}

	sup, err := supervisor.New(sopts, deps)
	if err != nil {
		_ = rec.Close(context.Background())
		_ = ps.Close()
		return nil, err
	}

	d := &Daemon{cfg: c, logger: logger, sup: sup, prefs: ps}

	routerOpts := []iapi.Option{iapi.WithLogger(logger)}
	if lister != nil {
		routerOpts = append(routerOpts, iapi.WithHistory(lister))
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("register metrics failed", "error", err)
		}
		d.sampler = metrics.NewSampler(c.Metrics)
		if err := d.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("register sidecar metrics failed", "error", err)
		}
		routerOpts = append(routerOpts, iapi.WithMetrics())
	}
	d.router = iapi.NewRouter(sup, c.Server.BasePath, routerOpts...)
	return d, nil
}

func openHistory(hc cfg.HistoryConfig, logger *slog.Logger) (*history.Recorder, history.Lister, error) {
	if !hc.Enabled || hc.DSN == "" {
		return nil, nil, nil
	}
	sink, err := factory.NewSinkFromDSN(hc.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open history sink: %w", err)
	}
	lister, _ := sink.(history.Lister)
	return history.NewRecorder(sink, logger), lister, nil
}

// Supervisor exposes the underlying supervisor for embedding hosts.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Handler returns the admin API for mounting in a host's own server.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Status returns the supervisor snapshot.
func (d *Daemon) Status() Status { return d.sup.Status() }

// Start launches the sidecar and the background samplers. It returns once
// the first launch has succeeded or failed. A launch failure is returned
// but leaves the daemon up so it can be restarted.
func (d *Daemon) Start(ctx context.Context) error {
	if d.cfg.Server.Listen != "" && d.admin == nil {
		srv, err := iapi.NewServer(d.cfg.Server.Listen, d.router)
		if err != nil {
			return err
		}
		d.admin = srv
	}
	if err := d.sampler.Start(context.Background(), func() int { return d.sup.Status().PID }); err != nil {
		d.logger.Warn("start metrics sampler failed", "error", err)
	}
	return d.sup.Start(ctx)
}

// Run starts the daemon and blocks until ctx is done, then shuts down.
func (d *Daemon) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		if errors.Is(err, supervisor.ErrStopped) || ctx.Err() != nil {
			return d.shutdown(shutdownTimeout)
		}
		d.logger.Error("initial sidecar launch failed", "error", err)
	}
	select {
	case <-ctx.Done():
	case <-d.sup.Done():
	}
	return d.shutdown(shutdownTimeout)
}

func (d *Daemon) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Close(ctx)
}

// Close stops the sidecar, the admin server and every background worker.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	if d.admin != nil {
		if err := d.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	d.sampler.Stop()
	if err := d.sup.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor shutdown: %w", err))
	}
	if err := d.prefs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close preferences: %w", err))
	}
	return errors.Join(errs...)
}
