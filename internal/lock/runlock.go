// Package lock guards against two groupfill runs filling groups at once.
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

// ErrHeld is returned when another process already holds the run lock.
var ErrHeld = errors.New("run lock is held by another process")

// HeldError reports who holds the lock, when that can be read back.
type HeldError struct {
	Path string
	PID  int
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: %v (pid %d)", e.Path, ErrHeld, e.PID)
	}
	return fmt.Sprintf("%s: %v", e.Path, ErrHeld)
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// RunLock is an flock(2) on a PID file. The lock lives as long as the
// descriptor stays open.
type RunLock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking and stamps it with the
// current PID.
func Acquire(path string) (*RunLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
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
			return nil, &HeldError{Path: path, PID: HolderPID(path)}
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &RunLock{path: path, f: f}
	if err := l.stamp(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *RunLock) stamp() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// HolderPID reads the PID written into the lock file, or 0.
func HolderPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func (l *RunLock) Path() string { return l.path }

// Release drops the lock. Safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
