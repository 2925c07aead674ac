package notestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/starford/perthro/internal/apperr"
	"github.com/starford/perthro/internal/snapshot"
	"github.com/starford/perthro/internal/vclock"
)

// readSnapshot loads the full contents of the snapshot database at path.
func readSnapshot(path string) (*storeData, error) {
	db, err := openSnapshotDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return readAll(db)
}

// loadLocked populates the empty working database from the on-disk snapshot
// and any pending conflict siblings. Loading is a merge into nothing, so one
// code path covers first open, reopen, and conflict recovery alike.
func (s *Store) loadLocked(ctx context.Context) error {
	_, err := s.mergeFromDiskLocked(ctx)
	return err
}

// mergeFromDiskLocked reads the snapshot and its conflict siblings under a
// shared scope, then folds anything the working database has not yet seen
// into it. Conflict siblings are removed once absorbed. Caller holds the
// write lock.
func (s *Store) mergeFromDiskLocked(ctx context.Context) (MergeResult, error) {
	var total MergeResult

	var (
		main      *storeData
		conflicts []string
	)
	conflictData := make(map[string]*storeData)

	err := s.file.WithReadScope(func(path string) error {
		if s.file.Exists() {
			d, err := readSnapshot(path)
			if err != nil {
				return err
			}
			main = d
		}
		var err error
		conflicts, err = s.file.ConflictVersions()
		if err != nil {
			return err
		}
		for _, cp := range conflicts {
			d, err := readSnapshot(cp)
			if err != nil {
				s.logger.Warn("skipping unreadable conflict snapshot",
					slog.String("path", cp), slog.Any("error", err))
				continue
			}
			conflictData[cp] = d
		}
		return nil
	})
	if err != nil {
		return total, err
	}

	if main != nil {
		rel := main.vector().Compare(s.vv)
		if rel != vclock.Before && rel != vclock.Equal {
			res, err := s.mergeLocked(main)
			if err != nil {
				return total, err
			}
			total.add(res)
			if rel == vclock.Concurrent {
				// The working set holds records the snapshot lacks.
				s.dirty = true
			}
		}
	}

	for _, cp := range conflicts {
		d, ok := conflictData[cp]
		if !ok {
			continue
		}
		if rel := d.vector().Compare(s.vv); rel != vclock.Before && rel != vclock.Equal {
			res, err := s.mergeLocked(d)
			if err != nil {
				return total, err
			}
			total.add(res)
			if res.Changed() {
				s.dirty = true
			}
		}
		if err := s.file.RemoveConflict(cp); err != nil {
			s.logger.Warn("could not remove merged conflict snapshot",
				slog.String("path", cp), slog.Any("error", err))
		}
	}

	return total, nil
}

// flushLocked persists the working database to the snapshot path. If the
// snapshot diverged since the last read it is merged in first, so a flush
// never destroys another device's records. When the write lock cannot be
// acquired the state is written to a conflict sibling instead and picked up
// by the next merge. Caller holds the write lock.
func (s *Store) flushLocked(ctx context.Context) error {
	err := s.file.WithWriteScope(func(path string) error {
		if s.file.Exists() {
			disk, err := readSnapshot(path)
			if err != nil {
				s.logger.Warn("snapshot unreadable, diverting flush to conflict sibling",
					slog.String("path", path), slog.Any("error", err))
				return s.flushToConflictLocked()
			}
			if rel := disk.vector().Compare(s.vv); rel != vclock.Before && rel != vclock.Equal {
				if _, err := s.mergeLocked(disk); err != nil {
					return err
				}
			}
		}

		tmp := s.file.TempPath()
		_ = os.Remove(tmp)
		if err := s.vacuumInto(tmp); err != nil {
			return err
		}
		if err := s.file.Replace(tmp); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("notestore: replace snapshot: %w", err)
		}
		s.dirty = false
		return nil
	})
	if errors.Is(err, snapshot.ErrLockTimeout) {
		s.logger.Warn("snapshot locked by another writer, flushing to conflict sibling",
			slog.String("path", s.file.Path()))
		return s.flushToConflictLocked()
	}
	return err
}

// flushToConflictLocked writes the working database to a uniquely named
// conflict sibling. Sibling names never collide across devices, so no lock
// is needed.
func (s *Store) flushToConflictLocked() error {
	suffix := fmt.Sprintf("%s-%d", shortUUID(s.device.UUID), s.clock.Now().UnixMilli())
	path := s.file.ConflictPath(suffix)
	if err := s.vacuumInto(path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *Store) vacuumInto(path string) error {
	if _, err := s.conn.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("notestore: vacuum into %s: %w", path, err)
	}
	return nil
}

func shortUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// Flush persists outstanding changes to disk. It is a no-op when the store
// is clean.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	if !s.dirty {
		return nil
	}
	return s.flushLocked(ctx)
}

// Autosave flushes the store on a fixed interval until ctx is cancelled or
// the store closes. Flush errors are logged and retried on the next tick.
func (s *Store) Autosave(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				if errors.Is(err, apperr.ErrNotOpen) {
					return nil
				}
				s.logger.Error("autosave flush failed", slog.Any("error", err))
			}
		}
	}
}

// HandleExternalChange reconciles the working database with a snapshot
// rewritten by another process, typically in response to a file watcher
// event. Changes that are already known are ignored.
func (s *Store) HandleExternalChange(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}

	res, err := s.mergeFromDiskLocked(ctx)
	if err != nil {
		return err
	}
	if res.Changed() {
		s.logger.Info("merged external snapshot changes",
			slog.Int("notes", res.Notes.Inserted+res.Notes.Updated),
			slog.Int("challenges", res.Challenges.Inserted+res.Challenges.Updated),
			slog.Int("studyEntries", res.StudyEntries))
		s.broker.Publish(Event{Kind: EventStoreMerged, Merge: res})
	}
	return nil
}
