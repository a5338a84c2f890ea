// Package lock keeps two dispatcher processes from sharing one job log.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld means another live process owns the lock.
var ErrHeld = errors.New("state is locked by another process")

// StateLock is an flock(2) on "<state path>.lock" holding the owner's pid.
// The lock lives as long as the file descriptor stays open.
type StateLock struct {
	path string
	f    *os.File
}

// PathFor returns the lock file guarding statePath.
func PathFor(statePath string) string {
	return statePath + ".lock"
}

// Acquire takes the lock for statePath without blocking. When another
// process holds it the error wraps ErrHeld and names that process's pid.
func Acquire(statePath string) (*StateLock, error) {
	if statePath == "" {
		return nil, fmt.Errorf("state path is empty")
	}
	path := PathFor(statePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, ok := Holder(statePath); ok {
				return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrHeld, pid, path)
			}
			return nil, fmt.Errorf("%w (lock %s)", ErrHeld, path)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &StateLock{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Holder reads the pid recorded in statePath's lock file. The pid may be
// stale if its owner has exited.
func Holder(statePath string) (int, bool) {
	b, err := os.ReadFile(PathFor(statePath))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Path returns the lock file path.
func (l *StateLock) Path() string { return l.path }

// Release drops the lock. The file is left behind for the next owner.
func (l *StateLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
