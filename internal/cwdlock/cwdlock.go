// Package cwdlock implements the per-cwd advisory lock of spec.md §3/§4.6
// step 2: at most one running session per (namespace, cwd), enforced with
// a blocking exclusive flock the same way the teacher serializes daemon
// startup with syscall.Flock over a pid file
// (internal/daemon/daemon.go acquirePIDLock).
package cwdlock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pursuingf/pigeon/internal/codec"
	"github.com/pursuingf/pigeon/internal/layout"
)

// Lock holds an acquired advisory lock; Unlock releases it and closes the
// underlying file handle.
type Lock struct {
	file *os.File
}

// Path returns locks_dir/<sha256(cwd)>.lock for the given namespace and cwd.
func Path(ns layout.Namespace, cwd string) string {
	return filepath.Join(ns.LocksDir, codec.CwdLockName(cwd))
}

// Acquire blocks until it holds an exclusive advisory lock on the cwd's
// lock file, creating the file and locks_dir if necessary.
func Acquire(ns layout.Namespace, cwd string) (*Lock, error) {
	path := Path(ns, cwd)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Unlock releases the lock and closes the file handle.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
