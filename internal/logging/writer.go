// Package logging provides a size-rotating file writer for the service's
// structured log output. It implements io.WriteCloser; rotated files keep a
// timestamp suffix, at most maxBackups of them are retained, and rotated
// files older than maxAgeDays are removed.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser that rotates its file by size.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAgeDays int
}

// NewRotatingWriter opens path (creating parent directories as needed) and
// returns a writer that rotates once the file would exceed maxSizeMB.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAgeDays: maxAgeDays,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// Write appends p to the log file, rotating first when the write would push
// the file past the size limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	return rw.file.Close()
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// rotate renames the current file to <base>-<timestamp><ext> and reopens a
// fresh one. Old rotated files are pruned before returning; rotation is rare
// enough that doing it under the lock is fine.
func (rw *RotatingWriter) rotate() error {
	if rw.file != nil {
		rw.file.Close()
	}

	base, ext := splitLogName(rw.path)
	// Nanosecond stamp so rotations within the same second never collide.
	rotated := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102-150405.000000000"), ext)
	os.Rename(rw.path, rotated) //nolint:errcheck

	if err := rw.open(); err != nil {
		return err
	}

	rw.prune()
	return nil
}

// prune removes rotated files beyond maxBackups (oldest first) and any
// rotated file older than maxAgeDays.
func (rw *RotatingWriter) prune() {
	base, ext := splitLogName(rw.path)
	dir := filepath.Dir(rw.path)
	prefix := filepath.Base(base) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) && name != filepath.Base(rw.path) {
			rotated = append(rotated, name)
		}
	}

	// The timestamp suffix sorts lexically, oldest first.
	sort.Strings(rotated)

	for len(rotated) > rw.maxBackups {
		os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
		rotated = rotated[1:]
	}

	cutoff := time.Now().AddDate(0, 0, -rw.maxAgeDays)
	for _, name := range rotated {
		full := filepath.Join(dir, name)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(full) //nolint:errcheck
		}
	}
}

// splitLogName splits a log path into its extension-free prefix and
// extension, defaulting the extension to ".log".
func splitLogName(path string) (base, ext string) {
	ext = filepath.Ext(path)
	base = strings.TrimSuffix(path, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}
