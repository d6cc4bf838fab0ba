// SPDX-License-Identifier: MIT

package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultMaxBytes is the default trace file size before rotation.
	DefaultMaxBytes = 10 * 1024 * 1024 // 10 MiB

	// DefaultMaxFiles is the default number of rotated trace files to keep.
	DefaultMaxFiles = 5
)

// rotatingFile is an append-only file that rotates when it exceeds a size
// limit. Rotated files are kept as path.1 .. path.N, newest first.
//
// Writes are serialised by the caller (the Tracer holds the mutex), so the
// internal lock only guards against Rotate/Close racing a Write from tests.
type rotatingFile struct {
	path     string
	maxBytes int64
	maxFiles int

	mu   sync.Mutex
	file *os.File
	size int64
}

func openRotatingFile(path string, maxBytes int64, maxFiles int) (*rotatingFile, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}

	w := &rotatingFile{path: path, maxBytes: maxBytes, maxFiles: maxFiles}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends one record. If the write would push the file past the size
// limit, the file is rotated first. A failed rotation does not drop the
// record: appending past the limit beats losing diagnostics.
func (w *rotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil && w.file == nil {
			// Reopen the live file so the record is still appended.
			_ = w.open()
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingFile) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat trace file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// rotate shifts path.N-1 -> path.N, path -> path.1 and reopens (must hold lock).
func (w *rotatingFile) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}

	for i := w.maxFiles - 1; i >= 1; i-- {
		old := w.numbered(i)
		if _, err := os.Stat(old); err == nil {
			if err := os.Rename(old, w.numbered(i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(w.path, w.numbered(1)); err != nil && !os.IsNotExist(err) {
		return err
	}

	// Drop anything beyond the retention window.
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		_ = os.Remove(w.numbered(i))
	}

	return w.open()
}

func (w *rotatingFile) numbered(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}
