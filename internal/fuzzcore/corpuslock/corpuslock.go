// Package corpuslock enforces the single-process-per-out_dir exclusivity
// rule: two corpusd instances must never operate on the same <out_dir>
// concurrently. This is a process-admission concern layered outside the
// single-threaded core (spec.md §5), acquired once by pkg/corpus.Open and
// released on Close.
package corpuslock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("corpuslock: out_dir is locked by another process")

const lockFileName = ".lock"

// Lock represents a held exclusive lock on an out_dir. Release it with
// Close.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on <outDir>/.lock,
// creating the out_dir and the lock file if necessary. Returns ErrLocked
// if another process already holds it.
func Acquire(outDir string) (*Lock, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("corpuslock: create out_dir: %w", err)
	}

	path := filepath.Join(outDir, lockFileName)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("corpuslock: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}

		return nil, fmt.Errorf("corpuslock: flock: %w", err)
	}

	return &Lock{file: f, path: path}, nil
}

// AcquireWithTimeout retries Acquire with doubling, capped backoff until timeout
// elapses, for callers that want to wait out a short-lived prior holder
// instead of failing immediately.
func AcquireWithTimeout(outDir string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)

	backoff := 10 * time.Millisecond

	for {
		lk, err := Acquire(outDir)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, ErrLocked) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, err
		}

		time.Sleep(backoff)

		if backoff < 250*time.Millisecond {
			backoff *= 2
		}
	}
}

// Close releases the lock and closes the underlying file descriptor.
// Idempotent.
func (l *Lock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("corpuslock: unlock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("corpuslock: close: %w", closeErr)
	}

	return nil
}
