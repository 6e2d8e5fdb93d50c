package updater

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/mod/semver"
)

const (
	DirName             = "updates"
	BinaryName          = "sidekick-server"
	ResourcesDirName    = "resources"
	InvalidFileName     = "invalid.json"
	DefaultPollInterval = 15 * time.Minute
	settleDelay         = 500 * time.Millisecond
)

var ErrNoVersion = errors.New("no staged version")

// Restarter relaunches the sidecar on the best available version and calls
// done with the outcome.
type Restarter interface {
	RestartForUpdate(done func(ok bool))
}

// Updater selects which sidecar build to run.
type Updater interface {
	BestBinaryPath() string
	BestResourcesPath() string
	// InvalidateDownloadedVersion blacklists the version last handed out.
	InvalidateDownloadedVersion()
	Start()
	Stop()
	// CheckNow looks for a newer staged version without waiting for the poll.
	CheckNow()
}

type Config struct {
	// Dir holds one subdirectory per staged version, named by semver.
	Dir               string
	FallbackBinary    string
	FallbackResources string
	PollInterval      time.Duration
	Logger            *slog.Logger
}

// Version is a staged build under Dir.
type Version struct {
	Name string // canonical semver, e.g. v1.4.0
	Dir  string
}

func (v Version) Binary() string    { return filepath.Join(v.Dir, BinaryName) }
func (v Version) Resources() string { return filepath.Join(v.Dir, ResourcesDirName) }

// DirUpdater serves staged versions from a directory and asks the
// supervisor to switch when a newer one appears.
type DirUpdater struct {
	cfg       Config
	restarter Restarter
	logger    *slog.Logger

	mu       sync.Mutex
	invalid  map[string]bool
	current  string // version last handed out; empty for the bundled build
	updating bool

	checkCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func New(cfg Config, r Restarter) *DirUpdater {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	u := &DirUpdater{
		cfg:       cfg,
		restarter: r,
		logger:    l.With("component", "updater"),
		invalid:   map[string]bool{},
		checkCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	u.loadInvalid()
	return u
}

// Versions lists valid staged versions, newest first, including invalidated ones.
func (u *DirUpdater) Versions() []Version {
	entries, err := os.ReadDir(u.cfg.Dir)
	if err != nil {
		return nil
	}
	var out []Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := canonical(e.Name())
		if name == "" {
			continue
		}
		v := Version{Name: name, Dir: filepath.Join(u.cfg.Dir, e.Name())}
		if !complete(v) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return semver.Compare(out[i].Name, out[j].Name) > 0 })
	return out
}

// Best returns the newest staged version that has not been invalidated.
func (u *DirUpdater) Best() (Version, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bestLocked()
}

func (u *DirUpdater) bestLocked() (Version, error) {
	for _, v := range u.Versions() {
		if !u.invalid[v.Name] {
			return v, nil
		}
	}
	return Version{}, ErrNoVersion
}

func (u *DirUpdater) BestBinaryPath() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, err := u.bestLocked()
	if err != nil {
		u.current = ""
		return u.cfg.FallbackBinary
	}
	u.current = v.Name
	return v.Binary()
}

func (u *DirUpdater) BestResourcesPath() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, err := u.bestLocked()
	if err != nil {
		return u.cfg.FallbackResources
	}
	return v.Resources()
}

func (u *DirUpdater) InvalidateDownloadedVersion() {
	u.mu.Lock()
	name := u.current
	if name == "" {
		u.mu.Unlock()
		u.logger.Info("running bundled build, nothing to invalidate")
		return
	}
	u.invalid[name] = true
	u.current = ""
	err := u.saveInvalidLocked()
	u.mu.Unlock()
	u.logger.Warn("staged version invalidated", "version", name)
	if err != nil {
		u.logger.Error("failed to persist invalid versions", "error", err)
	}
}

// Current returns the version last handed out, or "" for the bundled build.
func (u *DirUpdater) Current() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

func (u *DirUpdater) Start() {
	u.mu.Lock()
	if u.started || u.stopped {
		u.mu.Unlock()
		return
	}
	u.started = true
	u.mu.Unlock()

	if err := os.MkdirAll(u.cfg.Dir, 0o750); err != nil {
		u.logger.Warn("cannot create updates dir", "dir", u.cfg.Dir, "error", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err = fsw.Add(u.cfg.Dir); err != nil {
			_ = fsw.Close()
			fsw = nil
		}
	}
	if err != nil {
		u.logger.Warn("updates dir watch unavailable, polling only", "error", err)
	}
	u.wg.Add(1)
	go u.loop(fsw)
	u.CheckNow()
}

func (u *DirUpdater) Stop() {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stopped = true
	u.mu.Unlock()
	close(u.stopCh)
	u.wg.Wait()
}

func (u *DirUpdater) CheckNow() {
	select {
	case u.checkCh <- struct{}{}:
	default:
	}
}

func (u *DirUpdater) loop(fsw *fsnotify.Watcher) {
	defer u.wg.Done()
	var events <-chan fsnotify.Event
	var errs <-chan error
	if fsw != nil {
		defer func() { _ = fsw.Close() }()
		events, errs = fsw.Events, fsw.Errors
	}
	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()
	// Staging writes several files; wait for the directory to settle.
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-u.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				if ev.Has(fsnotify.Create) {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = fsw.Add(ev.Name)
					}
				}
				settle.Reset(settleDelay)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			u.logger.Warn("updates watcher error", "error", err)
		case <-settle.C:
			u.check()
		case <-ticker.C:
			u.check()
		case <-u.checkCh:
			u.check()
		}
	}
}

// check asks for an update restart when a version newer than the running
// one is staged. The restarter is called without holding u.mu.
func (u *DirUpdater) check() {
	u.mu.Lock()
	if u.updating || u.stopped {
		u.mu.Unlock()
		return
	}
	v, err := u.bestLocked()
	if err != nil || v.Name == u.current {
		u.mu.Unlock()
		return
	}
	if u.current != "" && semver.Compare(v.Name, u.current) <= 0 {
		u.mu.Unlock()
		return
	}
	u.updating = true
	from := u.current
	u.mu.Unlock()

	u.logger.Info("newer sidecar version staged", "version", v.Name, "running", from)
	u.restarter.RestartForUpdate(func(ok bool) { u.finish(v.Name, ok) })
}

func (u *DirUpdater) finish(version string, ok bool) {
	u.mu.Lock()
	u.updating = false
	var err error
	if !ok {
		u.invalid[version] = true
		if u.current == version {
			u.current = ""
		}
		err = u.saveInvalidLocked()
	}
	u.mu.Unlock()
	if ok {
		u.logger.Info("sidecar updated", "version", version)
		return
	}
	u.logger.Warn("update failed, version invalidated", "version", version)
	if err != nil {
		u.logger.Error("failed to persist invalid versions", "error", err)
	}
}

type invalidFile struct {
	Invalid []string `json:"invalid"`
}

func (u *DirUpdater) invalidPath() string { return filepath.Join(u.cfg.Dir, InvalidFileName) }

func (u *DirUpdater) loadInvalid() {
	b, err := os.ReadFile(u.invalidPath())
	if err != nil {
		return
	}
	var f invalidFile
	if err := json.Unmarshal(b, &f); err != nil {
		u.logger.Warn("ignoring unreadable invalid versions file", "error", err)
		return
	}
	for _, name := range f.Invalid {
		if c := canonical(name); c != "" {
			u.invalid[c] = true
		}
	}
}

func (u *DirUpdater) saveInvalidLocked() error {
	f := invalidFile{Invalid: make([]string, 0, len(u.invalid))}
	for name := range u.invalid {
		f.Invalid = append(f.Invalid, name)
	}
	semver.Sort(f.Invalid)
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(u.cfg.Dir, 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(u.invalidPath(), b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", InvalidFileName, err)
	}
	return nil
}

// canonical returns the semver form of a directory name, or "".
func canonical(name string) string {
	v := "v" + strings.TrimPrefix(name, "v")
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

func complete(v Version) bool {
	fi, err := os.Stat(v.Binary())
	if err != nil || fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return false
	}
	di, err := os.Stat(v.Resources())
	return err == nil && di.IsDir()
}
