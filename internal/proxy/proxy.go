package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidekick/internal/metrics"
)

const (
	// MaxBodyBytes caps both the forwarded request and the backend response.
	MaxBodyBytes    = 5 << 20
	UpstreamTimeout = 300 * time.Second
	DefaultHost     = "0.0.0.0"
	defaultType     = "application/json"
)

var (
	ErrRunning = errors.New("proxy already running")
	ErrClosed  = errors.New("proxy closed")
)

// forwarded lists the only request headers passed to the backend.
var forwarded = []string{"Content-Type", "Accept", "Authorization"}

// route is the immutable snapshot read by request handlers.
type route struct {
	backendPort int
	allowRemote bool
}

type update struct {
	backendPort *int
	allowRemote *bool
	ack         chan struct{}
}

// Proxy listens on the stable public port and forwards to the current
// sidecar backend. The listener survives backend changes.
type Proxy struct {
	host   string
	logger *slog.Logger
	client *http.Client

	route   atomic.Pointer[route]
	updates chan update
	quit    chan struct{}
	loopWG  sync.WaitGroup
	closed  atomic.Bool

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
}

type Option func(*Proxy)

// WithHost sets the listen host. Defaults to all interfaces; remote peers
// are still rejected unless allow_remote is set.
func WithHost(host string) Option {
	return func(p *Proxy) { p.host = host }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithUpstreamTimeout overrides the backend round trip timeout.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

func New(opts ...Option) *Proxy {
	p := &Proxy{
		host:    DefaultHost,
		logger:  slog.Default(),
		client:  &http.Client{Timeout: UpstreamTimeout},
		updates: make(chan update),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.route.Store(&route{})
	p.loopWG.Add(1)
	go p.loop()
	return p
}

// loop is the only writer of the route snapshot.
func (p *Proxy) loop() {
	defer p.loopWG.Done()
	for {
		select {
		case <-p.quit:
			return
		case u := <-p.updates:
			next := *p.route.Load()
			if u.backendPort != nil {
				next.backendPort = *u.backendPort
				p.logger.Info("proxy backend port set", "port", next.backendPort)
			}
			if u.allowRemote != nil {
				next.allowRemote = *u.allowRemote
				p.logger.Info("proxy allow_remote set", "allow", next.allowRemote)
			}
			p.route.Store(&next)
			close(u.ack)
		}
	}
}

func (p *Proxy) post(u update) {
	u.ack = make(chan struct{})
	select {
	case p.updates <- u:
		<-u.ack
	case <-p.quit:
	}
}

// SetBackendPort points new requests at 127.0.0.1:port. Zero means no backend.
func (p *Proxy) SetBackendPort(port int) { p.post(update{backendPort: &port}) }

func (p *Proxy) SetAllowRemote(allow bool) { p.post(update{allowRemote: &allow}) }

func (p *Proxy) BackendPort() int { return p.route.Load().backendPort }

func (p *Proxy) AllowRemote() bool { return p.route.Load().allowRemote }

// Start binds port and serves in the background.
func (p *Proxy) Start(port int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		return ErrRunning
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(p.host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("proxy listen on %d: %w", port, err)
	}
	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	p.srv = srv
	p.addr = ln.Addr()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("proxy serve failed", "error", err)
		}
	}()
	p.logger.Info("proxy listening", "addr", p.addr.String())
	return nil
}

// Stop closes the listener and any open connections. It is safe to call
// when the proxy is not running.
func (p *Proxy) Stop() {
	p.mu.Lock()
	srv := p.srv
	p.srv = nil
	p.addr = nil
	p.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Close()
	p.logger.Info("proxy stopped")
}

// Close stops serving and ends the control goroutine.
func (p *Proxy) Close() {
	p.Stop()
	if p.closed.CompareAndSwap(false, true) {
		close(p.quit)
		p.loopWG.Wait()
	}
}

// Addr returns the bound address, or nil when not running.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Port returns the bound port, or 0 when not running.
func (p *Proxy) Port() int {
	if a, ok := p.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Handler returns the forwarding handler. Every path is forwarded.
func (p *Proxy) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.NoRoute(p.forward)
	g.NoMethod(p.forward)
	return g
}

func (p *Proxy) forward(c *gin.Context) {
	start := time.Now()
	code := p.serve(c)
	metrics.ObserveProxyRequest(code, time.Since(start).Seconds())
}

func (p *Proxy) serve(c *gin.Context) int {
	rt := p.route.Load()
	if !rt.allowRemote && !isLoopback(c.Request.RemoteAddr) {
		c.String(http.StatusForbidden, "Remote connections not allowed")
		c.Abort()
		return http.StatusForbidden
	}
	if rt.backendPort <= 0 {
		return unavailable(c)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes+1))
	if err != nil {
		return unavailable(c)
	}
	if len(body) > MaxBodyBytes {
		c.String(http.StatusRequestEntityTooLarge, "Request Entity Too Large")
		return http.StatusRequestEntityTooLarge
	}

	target := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(rt.backendPort)) + c.Request.URL.RequestURI()
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		return unavailable(c)
	}
	for _, h := range forwarded {
		if v := c.Request.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("proxy backend unreachable", "port", rt.backendPort, "error", err)
		return unavailable(c)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil || len(respBody) > MaxBodyBytes {
		return unavailable(c)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultType
	}
	c.Data(resp.StatusCode, ct, respBody)
	return resp.StatusCode
}

func unavailable(c *gin.Context) int {
	c.String(http.StatusServiceUnavailable, "Service Unavailable")
	c.Abort()
	return http.StatusServiceUnavailable
}

func isLoopback(remoteAddr string) bool {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return false
	}
	return ap.Addr().Unmap().IsLoopback()
}
