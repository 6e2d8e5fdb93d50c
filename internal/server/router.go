package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/metrics"
	"github.com/loykin/sidekick/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the admin API.
// Endpoints:
//
//	GET  {basePath}/status                     supervisor snapshot
//	POST {basePath}/restart?revalidate=all     restart the sidecar
//	POST {basePath}/update                     check for a staged build now
//	GET  {basePath}/history?limit=N            recent lifecycle events
//	GET  {basePath}/metrics                    Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	history  history.Lister
	metrics  bool
	timeout  time.Duration
	logger   *slog.Logger
}

// Controller is the part of the supervisor the admin API drives.
type Controller interface {
	Status() supervisor.Status
	Restart(ctx context.Context, all bool) error
	CheckForUpdate(ctx context.Context) error
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
	defaultCallTimeout  = 10 * time.Second
)

type Option func(*Router)

// WithHistory enables GET /history backed by l.
func WithHistory(l history.Lister) Option {
	return func(r *Router) { r.history = l }
}

// WithMetrics mounts the Prometheus handler under /metrics.
func WithMetrics() Option {
	return func(r *Router) { r.metrics = true }
}

// WithLogger sets the logger used for request errors.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCallTimeout bounds how long a handler waits on the supervisor.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/restart, ...
func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{
		ctl:      ctl,
		basePath: sanitizeBase(basePath),
		timeout:  defaultCallTimeout,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "admin")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/restart", r.handleRestart)
	group.POST("/update", r.handleUpdate)
	group.GET("/history", r.handleHistory)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves this router on it. Bind errors are
// returned; serve errors after that are logged.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("admin server stopped", "error", err)
		}
	}()
	r.logger.Info("admin server listening", "addr", server.Addr, "base_path", r.basePath)
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleRestart(c *gin.Context) {
	var all bool
	switch v := c.Query("revalidate"); v {
	case "", "volatile":
	case "all":
		all = true
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "revalidate must be 'all' or 'volatile'"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()
	if err := r.ctl.Restart(ctx, all); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleUpdate(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()
	if err := r.ctl.CheckForUpdate(ctx); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is not enabled or the sink cannot be read back"})
		return
	}
	limit := DefaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > MaxHistoryLimit {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("limit must be between 1 and %d", MaxHistoryLimit)})
			return
		}
		limit = n
	}
	events, err := r.history.Recent(c.Request.Context(), limit)
	if err != nil {
		r.logger.Warn("history read failed", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

// writeError maps supervisor errors onto status codes.
func (r *Router) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrBusy), errors.Is(err, supervisor.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, supervisor.ErrNoUpdater):
		code = http.StatusNotFound
	case errors.Is(err, supervisor.ErrShutdown), errors.Is(err, supervisor.ErrStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
