package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// FileName is the lock file created inside the execution directory.
const FileName = "server.lock"

// ErrLocked is returned by TryLock when another process owns the lock.
var ErrLocked = errors.New("lock held by another process")

// Guard is an exclusive advisory lock on <dir>/server.lock.
// Only one Guard across all processes can hold the lock for a directory.
type Guard struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// New returns a Guard for the lock file in dir. Nothing is opened until Acquire.
func New(dir string) *Guard {
	return &Guard{path: filepath.Join(dir, FileName)}
}

// Path returns the lock file path.
func (g *Guard) Path() string { return g.path }

// Acquire takes the lock without blocking. It returns false with a nil error
// when another process already holds it; that is deference, not failure.
func (g *Guard) Acquire() (bool, error) {
	err := g.TryLock()
	if errors.Is(err, ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TryLock is Acquire with the contention case reported as ErrLocked.
func (g *Guard) TryLock() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.f != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	// #nosec G304 -- path is derived from the configured execution dir
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", g.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("flock %s: %w", g.path, err)
	}
	// The pid is informational only; the flock is the source of truth.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	g.f = f
	return nil
}

// Held reports whether this Guard currently owns the lock.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.f != nil
}

// Release unlocks and closes the lock file. It is a no-op when not held.
// The file itself is left in place so concurrent openers never race on unlink.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.f == nil {
		return nil
	}
	uerr := unix.Flock(int(g.f.Fd()), unix.LOCK_UN)
	cerr := g.f.Close()
	g.f = nil
	if uerr != nil {
		return fmt.Errorf("unlock %s: %w", g.path, uerr)
	}
	return cerr
}
