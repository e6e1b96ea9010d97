// Package portlock reserves free TCP ports across processes on the same host.
//
// A reservation pairs an OS-sampled free port with an exclusive advisory lock on
// <dir>/near-sandbox-port<port>.lock. The lock must be held from the moment the
// port is observed free until the process meant to bind it has started, so two
// concurrent launches never pick the same port.
package portlock

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/p-arndt/nearsandbox/internal/sandboxerr"
)

// DefaultMaxAttempts bounds how many candidates a single Acquire samples.
const DefaultMaxAttempts = 1024

const lockFilePrefix = "near-sandbox-port"

// errLocked is returned by tryLock when another holder owns the lock.
var errLocked = errors.New("lock held by another process")

// Picker returns a port the OS currently considers free.
type Picker func() (int, error)

// Allocator hands out locked port reservations. The zero value samples ports from
// the OS, keeps lock files in os.TempDir() and skips the post-lock bind check.
type Allocator struct {
	Picker      Picker
	Dir         string
	MaxAttempts int
	// BindCheck, when set, runs after the lock is taken. A non-nil error means a
	// third party bound the port in between and the candidate is discarded.
	BindCheck func(port int) error
	Logger    *slog.Logger
}

// Default returns the allocator used by the sandbox supervisor.
func Default() *Allocator {
	return &Allocator{
		Picker:    PickUnusedPort,
		Dir:       os.TempDir(),
		BindCheck: CheckBindable,
	}
}

// AcquireUnusedPort reserves a port with the default allocator.
func AcquireUnusedPort() (*Lock, error) {
	return Default().Acquire()
}

// LockPath returns the lock file path for port inside dir.
func LockPath(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d.lock", lockFilePrefix, port))
}

// Acquire samples ports until one can be exclusively locked. Contended
// candidates are discarded and never retried within the same call.
func (a *Allocator) Acquire() (*Lock, error) {
	pick := a.Picker
	if pick == nil {
		pick = PickUnusedPort
	}
	dir := a.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := a.logger()

	rejected := make(map[int]struct{})
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port, err := pick()
		if err != nil {
			return nil, sandboxerr.InitFailure("no ports free", err)
		}
		if _, seen := rejected[port]; seen {
			continue
		}

		lock, err := lockPort(dir, port)
		if errors.Is(err, errLocked) {
			logger.Debug("port lock contended, resampling", "port", port)
			rejected[port] = struct{}{}
			continue
		}
		if err != nil {
			return nil, err
		}

		if a.BindCheck != nil {
			if err := a.BindCheck(port); err != nil {
				logger.Debug("locked port is not bindable, resampling", "port", port, "error", err)
				rejected[port] = struct{}{}
				if err := lock.Release(); err != nil {
					return nil, err
				}
				continue
			}
		}

		logger.Debug("reserved port", "port", port, "lockfile", lock.Path())
		return lock, nil
	}

	return nil, sandboxerr.InitFailure(fmt.Sprintf("no ports free after %d attempts", maxAttempts), nil)
}

func (a *Allocator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lockPort(dir string, port int) (*Lock, error) {
	path := LockPath(dir, port)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, sandboxerr.IO(fmt.Sprintf("failed to create lockfile for port %d", port), err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			return nil, errLocked
		}
		return nil, sandboxerr.IO(fmt.Sprintf("failed to lock lockfile for port %d", port), err)
	}
	return &Lock{port: port, path: path, file: f}, nil
}

// Lock is a held reservation for a single port.
type Lock struct {
	port int
	path string

	mu   sync.Mutex
	file *os.File
}

func (l *Lock) Port() int { return l.port }

func (l *Lock) Path() string { return l.path }

// Held reports whether Release has not been called yet.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Release drops the lock. Calling it again is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	f := l.file
	l.file = nil
	l.mu.Unlock()

	if f == nil {
		return nil
	}

	unlockErr := unlock(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return sandboxerr.IO(fmt.Sprintf("failed to unlock lockfile for port %d", l.port), unlockErr)
	}
	if closeErr != nil {
		return sandboxerr.IO(fmt.Sprintf("failed to close lockfile for port %d", l.port), closeErr)
	}
	return nil
}

// PickUnusedPort asks the OS for a free TCP port on all interfaces.
func PickUnusedPort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("listen on ephemeral port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// CheckBindable reports an error if port can't be bound right now.
func CheckBindable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}
