// SPDX-License-Identifier: MIT

// Package lock guards the data directory with a pid-file lock so only one
// agent owns the trace stream, the history store and the ASR runner at a
// time. Stale locks from dead processes are detected and broken.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// InstanceLock is a pid-file lock on a data directory.
type InstanceLock struct {
	mu   sync.Mutex
	path string
	held bool
}

// New creates a lock rooted at dir (the file is dir/agent.pid).
func New(dir string) *InstanceLock {
	return &InstanceLock{path: filepath.Join(dir, "agent.pid")}
}

// Acquire takes the lock or reports who holds it. A lock whose pid no
// longer exists is stale and is broken.
func (l *InstanceLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(l.path)
				return fmt.Errorf("write pid file: %w", firstErr(werr, cerr))
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create pid file: %w", err)
		}

		pid, perr := l.readPID()
		if perr == nil && processAlive(pid) {
			return fmt.Errorf("data directory is locked by pid %d", pid)
		}
		// Stale lock: the holder is gone. Break it and retry once.
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			return fmt.Errorf("break stale lock: %w", rerr)
		}
	}
	return fmt.Errorf("lock contention on %s", l.path)
}

// Release drops the lock. Safe to call when not held.
func (l *InstanceLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Held reports whether this process holds the lock.
func (l *InstanceLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *InstanceLock) readPID() (int, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

// processAlive reports whether pid refers to a live process. Signal 0
// probes existence without affecting the target.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
