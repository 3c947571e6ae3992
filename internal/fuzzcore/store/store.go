// Package store persists queue, crash, and hang entries under <out_dir>,
// built on the fs.FS abstraction and the fs.AtomicWriter temp-write-rename
// pattern so every write is crash-safe.
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	fsabs "github.com/divfuzz/corpus/pkg/fs"
)

const (
	queueDir  = "queue"
	crashDir  = "crashes"
	hangDir   = "hangs"
	bitmapFile = "fuzz_bitmap"
	readmeFile = "README.txt"
)

// Store persists entries under a single <out_dir> root.
type Store struct {
	fs     fsabs.FS
	writer *fsabs.AtomicWriter
	outDir string
}

// Open prepares <outDir>/{queue,crashes,hangs} and returns a ready Store.
func Open(fsys fsabs.FS, outDir string) (*Store, error) {
	s := &Store{fs: fsys, writer: fsabs.NewAtomicWriter(fsys), outDir: outDir}

	for _, d := range []string{queueDir, crashDir, hangDir} {
		if err := fsys.MkdirAll(filepath.Join(outDir, d), 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s dir: %w", d, err)
		}
	}

	return s, nil
}

// WriteQueueFile atomically writes data to <out_dir>/queue/<name>, creating
// the file if absent. Used for both a brand-new entry and an in-place
// rewrite after eviction (the caller is responsible for computing the new
// name via naming.WithUpdate).
func (s *Store) WriteQueueFile(name string, data []byte) (string, error) {
	return s.writeUnder(queueDir, name, data)
}

// RenameQueueFile renames an existing queue file in place, used when an
// eviction swap keeps identical bytes but must still encode
// ",updated:<t>" in the name (the swap path always rewrites content too,
// so in practice this is folded into WriteQueueFile + RemoveQueueFile, but
// exposed separately for callers that only need the rename).
func (s *Store) RenameQueueFile(oldName, newName string) error {
	oldPath := filepath.Join(s.outDir, queueDir, oldName)
	newPath := filepath.Join(s.outDir, queueDir, newName)

	if err := s.fs.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("store: rename queue file %q -> %q: %w", oldName, newName, err)
	}

	return nil
}

// RemoveQueueFile deletes a queue file by name, tolerating absence.
func (s *Store) RemoveQueueFile(name string) error {
	path := filepath.Join(s.outDir, queueDir, name)

	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove queue file %q: %w", name, err)
	}

	return nil
}

// WriteCrashFile atomically writes data to <out_dir>/crashes/<name> and
// ensures README.txt exists, per §6 ("plus a README.txt generated on first
// crash"). A README write failure is logged but not fatal - the crash
// artifact itself is what matters.
func (s *Store) WriteCrashFile(name string, data []byte, readme func() []byte) (path string, readmeErr error) {
	p, err := s.writeUnder(crashDir, name, data)
	if err != nil {
		return "", err
	}

	readmePath := filepath.Join(s.outDir, crashDir, readmeFile)

	exists, statErr := s.fs.Exists(readmePath)
	if statErr == nil && !exists && readme != nil {
		if werr := s.writer.WriteWithDefaults(readmePath, bytes.NewReader(readme())); werr != nil {
			readmeErr = fmt.Errorf("store: write crash readme: %w", werr)
		}
	}

	return p, readmeErr
}

// WriteHangFile atomically writes data to <out_dir>/hangs/<name>.
func (s *Store) WriteHangFile(name string, data []byte) (string, error) {
	return s.writeUnder(hangDir, name, data)
}

func (s *Store) writeUnder(dir, name string, data []byte) (string, error) {
	path := filepath.Join(s.outDir, dir, name)

	if err := s.writer.WriteWithDefaults(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("store: write %s/%s: %w", dir, name, err)
	}

	return path, nil
}

// ReadEntry reads back a persisted entry's bytes, used by round-trip tests
// and by cmd/corpusd show/verify.
func (s *Store) ReadEntry(dir, name string) ([]byte, error) {
	data, err := s.fs.ReadFile(filepath.Join(s.outDir, dir, name))
	if err != nil {
		return nil, fmt.Errorf("store: read %s/%s: %w", dir, name, err)
	}

	return data, nil
}

// WriteBitmap dumps exactly len(bits) bytes to <out_dir>/fuzz_bitmap,
// truncating any prior file (§8 property 6 / scenario S6).
func (s *Store) WriteBitmap(bits []byte) error {
	path := filepath.Join(s.outDir, bitmapFile)
	if err := s.writer.WriteWithDefaults(path, bytes.NewReader(bits)); err != nil {
		return fmt.Errorf("store: write bitmap: %w", err)
	}

	return nil
}

// ReadBitmap reads back the checkpointed bitmap, if any.
func (s *Store) ReadBitmap() ([]byte, error) {
	data, err := s.fs.ReadFile(filepath.Join(s.outDir, bitmapFile))
	if err != nil {
		return nil, fmt.Errorf("store: read bitmap: %w", err)
	}

	return data, nil
}

// ListQueue returns the names of every file currently under queue/.
func (s *Store) ListQueue() ([]string, error) {
	return s.listDir(queueDir)
}

// ListCrashes returns the names of every file currently under crashes/.
func (s *Store) ListCrashes() ([]string, error) {
	return s.listDir(crashDir)
}

// ListHangs returns the names of every file currently under hangs/.
func (s *Store) ListHangs() ([]string, error) {
	return s.listDir(hangDir)
}

func (s *Store) listDir(dir string) ([]string, error) {
	entries, err := s.fs.ReadDir(filepath.Join(s.outDir, dir))
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.Name() == readmeFile {
			continue
		}

		names = append(names, e.Name())
	}

	return names, nil
}

// Close is a no-op: Store holds no file handles or other resources of its
// own between calls (every write opens, writes, and closes through
// AtomicWriter). It exists so callers can defer it unconditionally,
// matching the shape of every other owned component in pkg/corpus.Close.
func (s *Store) Close() error {
	return nil
}
