package prefs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/loykin/sidekick/internal/ports"
)

// FileName is the preference file inside the execution directory.
const FileName = "prefs.json"

const (
	KeyCDP              = "ports.cdp"
	KeyProxy            = "ports.proxy"
	KeyBackend          = "ports.backend"
	KeyExtension        = "ports.extension"
	KeyLegacyMCP        = "ports.mcp"
	KeyAllowRemote      = "allow_remote"
	KeyRestartRequested = "restart_requested"
	KeyInstallID        = "install_id"
)

// watched are the keys whose changes are reported to listeners.
var watched = []string{
	KeyCDP, KeyProxy, KeyBackend, KeyExtension,
	KeyAllowRemote, KeyRestartRequested, KeyInstallID,
}

// Listener is called with the key that changed.
type Listener func(key string)

// Store is the persisted preference set shared with the host.
type Store interface {
	// LoadPorts returns the stored preferences; unset ports are zero.
	LoadPorts() ports.ServerPorts
	SavePorts(p ports.ServerPorts) error
	AllowRemote() bool
	SetAllowRemote(allow bool) error
	RestartRequested() bool
	SetRestartRequested(requested bool) error
	InstallID() string
	// Watch registers fn and returns a function removing it.
	Watch(fn Listener) func()
	Close() error
}

// FileStore keeps preferences in a JSON file through viper. Edits made by
// other writers are picked up with fsnotify and reported to listeners.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	v  *viper.Viper

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int

	notify  chan string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type Option func(*FileStore)

func WithLogger(l *slog.Logger) Option {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open loads dir/prefs.json, creating it with a fresh install_id if needed,
// and starts watching it.
func Open(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create prefs dir: %w", err)
	}
	s := &FileStore{
		path:      filepath.Join(dir, FileName),
		logger:    slog.Default(),
		listeners: map[int]Listener{},
		notify:    make(chan string, 32),
		stopCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "prefs")

	v, err := s.read()
	if err != nil {
		s.logger.Warn("unreadable preferences, starting empty", "path", s.path, "error", err)
		v = s.newViper()
	}
	s.v = v
	if s.v.GetString(KeyInstallID) == "" {
		s.v.Set(KeyInstallID, uuid.NewString())
		if err := s.write(); err != nil {
			return nil, err
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// The directory is watched so atomic replacements by other writers are seen.
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.watcher = fsw
	s.wg.Add(2)
	go s.eventLoop()
	go s.dispatchLoop()
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	return v
}

func (s *FileStore) read() (*viper.Viper, error) {
	v := s.newViper()
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		var nf viper.ConfigFileNotFoundError
		if errors.As(err, &nf) {
			return v, nil
		}
		return nil, err
	}
	return v, nil
}

// write persists s.v; s.mu must be held or the store not yet shared.
func (s *FileStore) write() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) LoadPorts() ports.ServerPorts {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := ports.ServerPorts{
		CDP:       s.v.GetInt(KeyCDP),
		Proxy:     s.v.GetInt(KeyProxy),
		Backend:   s.v.GetInt(KeyBackend),
		Extension: s.v.GetInt(KeyExtension),
	}
	if !s.v.IsSet(KeyProxy) && s.v.IsSet(KeyLegacyMCP) {
		p.Proxy = s.v.GetInt(KeyLegacyMCP)
	}
	return p
}

// SavePorts stores p. The legacy mcp key mirrors the backend port for
// readers that predate the split.
func (s *FileStore) SavePorts(p ports.ServerPorts) error {
	return s.set(map[string]any{
		KeyCDP:       p.CDP,
		KeyProxy:     p.Proxy,
		KeyBackend:   p.Backend,
		KeyExtension: p.Extension,
		KeyLegacyMCP: p.Backend,
	})
}

func (s *FileStore) AllowRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetBool(KeyAllowRemote)
}

func (s *FileStore) SetAllowRemote(allow bool) error {
	return s.set(map[string]any{KeyAllowRemote: allow})
}

func (s *FileStore) RestartRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetBool(KeyRestartRequested)
}

func (s *FileStore) SetRestartRequested(requested bool) error {
	return s.set(map[string]any{KeyRestartRequested: requested})
}

func (s *FileStore) InstallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetString(KeyInstallID)
}

func (s *FileStore) set(values map[string]any) error {
	s.mu.Lock()
	before := snapshot(s.v)
	for k, val := range values {
		s.v.Set(k, val)
	}
	err := s.write()
	changed := diff(before, snapshot(s.v))
	s.mu.Unlock()
	s.publish(changed)
	return err
}

func (s *FileStore) Watch(fn Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *FileStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *FileStore) publish(keys []string) {
	for _, k := range keys {
		select {
		case s.notify <- k:
		case <-s.stopCh:
			return
		}
	}
}

// dispatchLoop calls listeners off the writer's goroutine so a listener may
// itself write preferences.
func (s *FileStore) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case key := <-s.notify:
			s.lmu.Lock()
			fns := make([]Listener, 0, len(s.listeners))
			for _, fn := range s.listeners {
				fns = append(fns, fn)
			}
			s.lmu.Unlock()
			for _, fn := range fns {
				fn(key)
			}
		}
	}
}

func (s *FileStore) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("prefs watcher error", "error", err)
		}
	}
}

// reload re-reads the file and reports keys whose values differ from memory.
// Our own writes produce no difference and so no duplicate notifications.
func (s *FileStore) reload() {
	s.mu.Lock()
	v, err := s.read()
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring unreadable prefs update", "error", err)
		return
	}
	if _, statErr := os.Stat(s.path); statErr != nil {
		// Removed or mid-rename; keep what we have.
		s.mu.Unlock()
		return
	}
	changed := diff(snapshot(s.v), snapshot(v))
	s.v = v
	s.mu.Unlock()
	if len(changed) > 0 {
		s.logger.Info("preferences changed externally", "keys", changed)
	}
	s.publish(changed)
}

func snapshot(v *viper.Viper) map[string]string {
	m := make(map[string]string, len(watched))
	for _, k := range watched {
		m[k] = v.GetString(k)
	}
	return m
}

func diff(before, after map[string]string) []string {
	var out []string
	for _, k := range watched {
		if before[k] != after[k] {
			out = append(out, k)
		}
	}
	return out
}
