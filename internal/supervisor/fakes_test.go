package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/ports"
	"github.com/loykin/sidekick/internal/prefs"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/state"
)

type fakeResolver struct {
	mu       sync.Mutex
	startups int
	volatile int
	fixed    []ports.Fixed
}

func (r *fakeResolver) ResolveStartup(pref ports.ServerPorts, fixed ports.Fixed) ports.ServerPorts {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startups++
	r.fixed = append(r.fixed, fixed)
	return pref
}

func (r *fakeResolver) ResolveVolatile(cur ports.ServerPorts, fixed ports.Fixed) ports.ServerPorts {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volatile++
	r.fixed = append(r.fixed, fixed)
	return cur
}

func (r *fakeResolver) counts() (startups, volatile int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startups, r.volatile
}

type fakeLock struct {
	mu       sync.Mutex
	other    bool
	err      error
	held     bool
	acquires int
	releases int
}

func (l *fakeLock) Acquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.err != nil {
		return false, l.err
	}
	if l.other {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	l.held = false
	return nil
}

func (l *fakeLock) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

type fakeStore struct {
	mu  sync.Mutex
	rec *state.OrphanRecord
}

func (s *fakeStore) Read() (*state.OrphanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	r := *s.rec
	return &r, nil
}

func (s *fakeStore) Write(rec state.OrphanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = &rec
	return nil
}

func (s *fakeStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

func (s *fakeStore) get() *state.OrphanRecord {
	r, _ := s.Read()
	return r
}

type fakeController struct {
	mu           sync.Mutex
	nextPID      int
	handles      []*process.Handle
	exits        map[*process.Handle]func(int)
	configs      []process.LaunchConfig
	failNext     error
	fallbackNext bool
	holdExit     bool
	terminated   []int
	killed       []int
	orphans      map[int]int64
}

func newFakeController() *fakeController {
	return &fakeController{
		nextPID: 1000,
		exits:   map[*process.Handle]func(int){},
		orphans: map[int]int64{},
	}
}

func (c *fakeController) Launch(_ context.Context, cfg process.LaunchConfig) process.LaunchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = append(c.configs, cfg)
	if err := c.failNext; err != nil {
		c.failNext = nil
		return process.LaunchResult{Err: err}
	}
	pid := c.nextPID
	c.nextPID++
	h, exit := process.NewHandle(pid)
	c.handles = append(c.handles, h)
	c.exits[h] = exit
	fallback := c.fallbackNext
	c.fallbackNext = false
	return process.LaunchResult{Handle: h, UsedFallback: fallback}
}

// exitLocked marks h exited once.
func (c *fakeController) exitLocked(h *process.Handle, code int) {
	if exit, ok := c.exits[h]; ok {
		delete(c.exits, h)
		exit(code)
	}
}

// crash makes the latest sidecar exit with code.
func (c *fakeController) crash(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) > 0 {
		c.exitLocked(c.handles[len(c.handles)-1], code)
	}
}

func (c *fakeController) Terminate(h *process.Handle, wait bool) {
	c.mu.Lock()
	c.terminated = append(c.terminated, h.PID())
	if !c.holdExit {
		c.exitLocked(h, 143)
	}
	c.mu.Unlock()
	if wait {
		<-h.Done()
	}
}

func (c *fakeController) WaitForExitWithTimeout(h *process.Handle, timeout time.Duration) (int, bool) {
	if !h.Valid() {
		return -1, true
	}
	if timeout <= 0 {
		return h.ExitCode()
	}
	select {
	case <-h.Done():
		return h.ExitCode()
	case <-time.After(timeout):
		return 0, false
	}
}

func (c *fakeController) Kill(pid int, _ time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, pid)
	delete(c.orphans, pid)
	for _, h := range c.handles {
		if h.PID() == pid {
			c.exitLocked(h, 137)
		}
	}
	return true
}

func (c *fakeController) Exists(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.orphans[pid]
	return ok
}

func (c *fakeController) CreationTime(pid int) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct, ok := c.orphans[pid]; ok {
		return ct, true
	}
	return int64(pid) * 10, true
}

func (c *fakeController) launchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.configs)
}

func (c *fakeController) lastConfig() process.LaunchConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configs[len(c.configs)-1]
}

func (c *fakeController) killedPIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.killed...)
}

func (c *fakeController) setHoldExit(v bool) {
	c.mu.Lock()
	c.holdExit = v
	c.mu.Unlock()
}

func (c *fakeController) failNextLaunch(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

func (c *fakeController) fallbackNextLaunch() {
	c.mu.Lock()
	c.fallbackNext = true
	c.mu.Unlock()
}

// fakeHealth answers from script first, then healthy. A non-nil gate holds
// every check until it is closed.
type fakeHealth struct {
	mu      sync.Mutex
	script  []bool
	healthy bool
	checks  int
	gate    chan struct{}
}

func (h *fakeHealth) CheckHealth(context.Context, int) bool {
	h.mu.Lock()
	h.checks++
	gate := h.gate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.script) > 0 {
		ok := h.script[0]
		h.script = h.script[1:]
		return ok
	}
	return h.healthy
}

func (h *fakeHealth) RequestShutdown(context.Context, int) bool { return false }

func (h *fakeHealth) checkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checks
}

type fakeProxy struct {
	mu          sync.Mutex
	starts      []int
	stops       int
	closed      bool
	backend     int
	allowRemote bool
}

func (p *fakeProxy) Start(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, port)
	return nil
}

func (p *fakeProxy) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *fakeProxy) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakeProxy) SetBackendPort(port int) {
	p.mu.Lock()
	p.backend = port
	p.mu.Unlock()
}

func (p *fakeProxy) SetAllowRemote(allow bool) {
	p.mu.Lock()
	p.allowRemote = allow
	p.mu.Unlock()
}

func (p *fakeProxy) startedPorts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.starts...)
}

func (p *fakeProxy) snapshot() (starts, stops, backend int, allow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.starts), p.stops, p.backend, p.allowRemote
}

type fakeEndpoint struct {
	mu     sync.Mutex
	starts []int
	stops  int
}

func (e *fakeEndpoint) Start(port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, port)
	return nil
}

func (e *fakeEndpoint) Stop() {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
}

type fakePrefs struct {
	mu               sync.Mutex
	ports            ports.ServerPorts
	saved            int
	allowRemote      bool
	restartRequested bool
	listeners        map[int]prefs.Listener
	next             int
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{listeners: map[int]prefs.Listener{}}
}

func (p *fakePrefs) LoadPorts() ports.ServerPorts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports
}

func (p *fakePrefs) SavePorts(sp ports.ServerPorts) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports = sp
	p.saved++
	return nil
}

func (p *fakePrefs) AllowRemote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowRemote
}

func (p *fakePrefs) SetAllowRemote(allow bool) error {
	p.mu.Lock()
	p.allowRemote = allow
	p.mu.Unlock()
	p.fire(prefs.KeyAllowRemote)
	return nil
}

func (p *fakePrefs) RestartRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartRequested
}

func (p *fakePrefs) SetRestartRequested(v bool) error {
	p.mu.Lock()
	p.restartRequested = v
	p.mu.Unlock()
	// Listeners run on their own goroutine, as with the file store.
	go p.fire(prefs.KeyRestartRequested)
	return nil
}

func (p *fakePrefs) InstallID() string { return "install-1" }

func (p *fakePrefs) Watch(fn prefs.Listener) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakePrefs) Close() error { return nil }

func (p *fakePrefs) fire(key string) {
	p.mu.Lock()
	ls := make([]prefs.Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		ls = append(ls, l)
	}
	p.mu.Unlock()
	for _, l := range ls {
		l(key)
	}
}

func (p *fakePrefs) savedPorts() ports.ServerPorts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ports
}

type fakeUpdater struct {
	mu            sync.Mutex
	binary        string
	invalidations int
	started       bool
	stopped       bool
	checks        int
}

func (u *fakeUpdater) BestBinaryPath() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.binary
}

func (u *fakeUpdater) BestResourcesPath() string { return "" }

func (u *fakeUpdater) InvalidateDownloadedVersion() {
	u.mu.Lock()
	u.invalidations++
	u.mu.Unlock()
}

func (u *fakeUpdater) Start() {
	u.mu.Lock()
	u.started = true
	u.mu.Unlock()
}

func (u *fakeUpdater) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
}

func (u *fakeUpdater) CheckNow() {
	u.mu.Lock()
	u.checks++
	u.mu.Unlock()
}

func (u *fakeUpdater) invalidated() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.invalidations
}

// eventSink keeps every history event in memory.
type eventSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (e *eventSink) Send(_ context.Context, ev history.Event) error {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	return nil
}

func (e *eventSink) find(typ history.EventType) *history.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.events {
		if e.events[i].Type == typ {
			ev := e.events[i]
			return &ev
		}
	}
	return nil
}

var errSpawn = errors.New("spawn failed")
