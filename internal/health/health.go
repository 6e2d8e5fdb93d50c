package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	HealthTimeout   = 15 * time.Second
	ShutdownTimeout = 1 * time.Second
)

// Checker probes the sidecar's HTTP endpoints on its backend port.
type Checker interface {
	CheckHealth(ctx context.Context, port int) bool
	RequestShutdown(ctx context.Context, port int) bool
}

// HTTPChecker talks to the sidecar over loopback.
type HTTPChecker struct {
	client          *http.Client
	host            string
	healthTimeout   time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

type Option func(*HTTPChecker)

func WithHost(host string) Option {
	return func(c *HTTPChecker) { c.host = host }
}

func WithTimeouts(health, shutdown time.Duration) Option {
	return func(c *HTTPChecker) {
		if health > 0 {
			c.healthTimeout = health
		}
		if shutdown > 0 {
			c.shutdownTimeout = shutdown
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPChecker) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewHTTPChecker(opts ...Option) *HTTPChecker {
	c := &HTTPChecker{
		client:          &http.Client{},
		host:            "127.0.0.1",
		healthTimeout:   HealthTimeout,
		shutdownTimeout: ShutdownTimeout,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckHealth reports whether GET /health answered 200 in time.
func (c *HTTPChecker) CheckHealth(ctx context.Context, port int) bool {
	return c.call(ctx, http.MethodGet, port, "/health", c.healthTimeout)
}

// RequestShutdown posts /shutdown. A false result only means the request
// did not complete; the caller still waits for the process to exit.
func (c *HTTPChecker) RequestShutdown(ctx context.Context, port int) bool {
	return c.call(ctx, http.MethodPost, port, "/shutdown", c.shutdownTimeout)
}

func (c *HTTPChecker) call(ctx context.Context, method string, port int, path string, timeout time.Duration) bool {
	if port <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.url(port, path), nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("sidecar request failed", "method", method, "path", path, "port", port, "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("sidecar request rejected", "method", method, "path", path, "status", resp.StatusCode)
		return false
	}
	return true
}

func (c *HTTPChecker) url(port int, path string) string {
	return fmt.Sprintf("http://%s%s", hostPort(c.host, port), path)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
