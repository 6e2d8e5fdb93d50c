package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/sidekick/internal/logger"
)

const (
	// KillPollInterval is how often Kill checks whether the target is gone.
	KillPollInterval = 100 * time.Millisecond
	// KillSettleDelay is how long Kill waits after SIGKILL before checking.
	KillSettleDelay = 500 * time.Millisecond
	// LogName is the base name of the sidecar's stdout/stderr log files.
	LogName = "sidecar"
)

var (
	ErrNoBinary      = errors.New("sidecar binary not found")
	ErrInvalidHandle = errors.New("invalid process handle")
)

// LaunchResult is returned by Launch. Handle is nil when Err is set.
type LaunchResult struct {
	Handle       *Handle
	UsedFallback bool
	Err          error
}

// Controller owns the sidecar OS process.
type Controller interface {
	Launch(ctx context.Context, cfg LaunchConfig) LaunchResult
	// Terminate asks the sidecar's process group to stop.
	Terminate(h *Handle, wait bool)
	// WaitForExitWithTimeout waits without killing. A zero timeout polls.
	WaitForExitWithTimeout(h *Handle, timeout time.Duration) (code int, exited bool)
	Kill(pid int, graceful time.Duration) bool
	Exists(pid int) bool
	CreationTime(pid int) (int64, bool)
}

// ExecController runs the sidecar with os/exec.
type ExecController struct {
	logs   logger.FileConfig
	logger *slog.Logger
	env    []string
}

type ControllerOption func(*ExecController)

// WithLogFiles sends the sidecar's stdout and stderr to rotated files.
func WithLogFiles(fc logger.FileConfig) ControllerOption {
	return func(c *ExecController) { c.logs = fc }
}

func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *ExecController) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEnv appends KEY=VALUE entries to the inherited environment.
func WithEnv(env ...string) ControllerOption {
	return func(c *ExecController) { c.env = append(c.env, env...) }
}

func NewExecController(opts ...ControllerOption) *ExecController {
	c := &ExecController{logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ExecController) Launch(ctx context.Context, cfg LaunchConfig) LaunchResult {
	if err := ctx.Err(); err != nil {
		return LaunchResult{Err: err}
	}
	binary, resources := cfg.Paths.Binary, cfg.Paths.Resources
	usedFallback := false
	if !isExecutable(binary) {
		if binary == cfg.Paths.FallbackBinary || !isExecutable(cfg.Paths.FallbackBinary) {
			return LaunchResult{Err: fmt.Errorf("%w: %q", ErrNoBinary, binary)}
		}
		c.logger.Warn("sidecar binary missing, using bundled copy",
			"binary", binary, "fallback", cfg.Paths.FallbackBinary)
		binary, resources = cfg.Paths.FallbackBinary, cfg.Paths.FallbackResources
		usedFallback = true
	}
	if cfg.Paths.Execution == "" {
		return LaunchResult{Err: errors.New("execution directory not set")}
	}
	if err := os.MkdirAll(cfg.Paths.Execution, 0o750); err != nil {
		return LaunchResult{Err: fmt.Errorf("create execution dir: %w", err)}
	}
	configPath, err := cfg.WriteArtifact(cfg.Paths.Execution, resources)
	if err != nil {
		return LaunchResult{Err: err}
	}

	// Not CommandContext: the sidecar outlives the request that launched it.
	cmd := exec.Command(binary, cfg.Args(configPath)...)
	cmd.Dir = cfg.Paths.Execution
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	configureSysProcAttr(cmd)

	outW, errW, err := c.logs.Writers(LogName)
	if err != nil {
		return LaunchResult{Err: err}
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return LaunchResult{Err: fmt.Errorf("start sidecar: %w", err)}
	}

	h, exited := NewHandle(cmd.Process.Pid)
	go func() {
		werr := cmd.Wait()
		closeAll(outW, errW)
		exited(exitCode(werr))
	}()
	c.logger.Info("sidecar launched", "pid", h.PID(), "binary", binary, "ports", cfg.Ports, "fallback", usedFallback)
	return LaunchResult{Handle: h, UsedFallback: usedFallback}
}

func (c *ExecController) Terminate(h *Handle, wait bool) {
	if !h.Valid() {
		return
	}
	if _, done := h.ExitCode(); done {
		return
	}
	if err := syscall.Kill(-h.PID(), syscall.SIGTERM); err != nil {
		_ = syscall.Kill(h.PID(), syscall.SIGTERM)
	}
	if wait {
		<-h.Done()
	}
}

func (c *ExecController) WaitForExitWithTimeout(h *Handle, timeout time.Duration) (int, bool) {
	if !h.Valid() {
		return -1, true
	}
	if timeout <= 0 {
		return h.ExitCode()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.Done():
		return h.ExitCode()
	case <-t.C:
		return 0, false
	}
}

// Kill sends SIGTERM, waits up to graceful, then SIGKILL. When pid leads a
// process group the whole group is signalled.
func (c *ExecController) Kill(pid int, graceful time.Duration) bool {
	if pid <= 0 {
		return false
	}
	if !pidAlive(pid) {
		return true
	}
	if err := sendSignal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		c.logger.Warn("SIGTERM failed", "pid", pid, "error", err)
	}
	deadline := time.Now().Add(graceful)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		time.Sleep(KillPollInterval)
	}
	if err := sendSignal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		c.logger.Warn("SIGKILL failed", "pid", pid, "error", err)
	}
	time.Sleep(KillSettleDelay)
	return !pidAlive(pid)
}

func (c *ExecController) Exists(pid int) bool { return pidAlive(pid) }

func (c *ExecController) CreationTime(pid int) (int64, bool) {
	ms, err := creationTimeMillis(pid)
	if err != nil {
		return 0, false
	}
	return ms, true
}

func isExecutable(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode().Perm()&0o111 != 0
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
