// Package snapshot manages the on-disk snapshot file that a store flushes
// to and loads from.
//
// All access to the external file goes through a coordination scope: a
// shared flock for reads, an exclusive flock for writes, held for the
// duration of the operation and released on every exit path. Writes land
// in a temporary file first and atomically replace the destination, so an
// interrupted flush can never corrupt the snapshot. Divergent copies
// written by other devices appear as conflict siblings next to the
// snapshot and are discovered at load time.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/natefinch/atomic"
)

// LockTimeout bounds how long a scope acquisition waits for a competing
// process before failing.
const LockTimeout = 5 * time.Second

// ErrLockTimeout reports that a scope could not be acquired within
// LockTimeout. Callers may divert writes to a conflict sibling instead.
var ErrLockTimeout = errors.New("snapshot: lock timeout")

// File coordinates access to one snapshot path.
type File struct {
	path string
}

// NewFile creates a coordinator for the snapshot at path. The parent
// directory is created if needed.
func NewFile(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	return &File{path: abs}, nil
}

// Path returns the absolute snapshot path.
func (f *File) Path() string { return f.path }

// Exists reports whether a snapshot has ever been written.
func (f *File) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// WithReadScope runs fn while holding a shared lock on the snapshot.
func (f *File) WithReadScope(fn func(path string) error) error {
	return f.withLock(syscall.LOCK_SH, func() error { return fn(f.path) })
}

// WithWriteScope runs fn while holding an exclusive lock on the snapshot.
// fn receives the destination path; it is expected to produce a complete
// replacement file and hand it to Replace.
func (f *File) WithWriteScope(fn func(path string) error) error {
	return f.withLock(syscall.LOCK_EX, func() error { return fn(f.path) })
}

// Replace atomically substitutes the snapshot with the file at tmpPath.
// Must be called inside a write scope.
func (f *File) Replace(tmpPath string) error {
	if err := atomic.ReplaceFile(tmpPath, f.path); err != nil {
		return fmt.Errorf("snapshot: replace: %w", err)
	}
	return nil
}

// TempPath returns a sibling path suitable for staging a new snapshot
// before Replace. Kept on the same filesystem so the final rename is
// atomic.
func (f *File) TempPath() string {
	return fmt.Sprintf("%s.tmp-%d", f.path, os.Getpid())
}

// ConflictVersions returns paths of unresolved conflict siblings, oldest
// first. A conflict sibling is named <base>.conflict-<anything><ext> and is
// produced when an external synchronizer finds two devices wrote the same
// snapshot independently.
func (f *File) ConflictVersions() ([]string, error) {
	base, ext := splitExt(f.path)
	matches, err := filepath.Glob(base + ".conflict-*" + ext)
	if err != nil {
		return nil, fmt.Errorf("snapshot: glob conflicts: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// ConflictPath builds the sibling path for a given suffix. Used by tests
// and by external synchronizers that deposit diverged copies.
func (f *File) ConflictPath(suffix string) string {
	base, ext := splitExt(f.path)
	return base + ".conflict-" + suffix + ext
}

// RemoveConflict deletes a resolved conflict sibling.
func (f *File) RemoveConflict(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot: remove conflict: %w", err)
	}
	return nil
}

func splitExt(path string) (base, ext string) {
	ext = filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}

// withLock acquires how (LOCK_SH or LOCK_EX) on the sidecar lock file,
// retrying until LockTimeout, and guarantees release.
func (f *File) withLock(how int, fn func() error) error {
	lockPath := f.path + ".lock"
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: open lock file: %w", err)
	}
	defer file.Close()

	deadline := time.Now().Add(LockTimeout)
	const retryInterval = 10 * time.Millisecond
	for {
		if err := syscall.Flock(int(file.Fd()), how|syscall.LOCK_NB); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, f.path)
		}
		time.Sleep(retryInterval)
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN) //nolint:errcheck // release is best-effort

	return fn()
}
