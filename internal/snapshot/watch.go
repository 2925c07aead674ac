package snapshot

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the snapshot's directory and invokes onChange after the
// snapshot file (or a conflict sibling) is written by another process. The
// callback is debounced: bursts of events within the window collapse into
// one invocation after quiescence. Blocks until ctx is cancelled.
func (f *File) Watch(ctx context.Context, debounce time.Duration, logger *slog.Logger, onChange func()) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return err
	}
	logger.Info("snapshot watcher: started", slog.String("path", f.path))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			fire = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	base, ext := splitExt(f.path)
	relevant := func(name string) bool {
		if name == f.path {
			return true
		}
		matched, _ := filepath.Match(base+".conflict-*"+ext, name)
		return matched
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("snapshot watcher: stopped")
			return nil

		case <-fire:
			onChange()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !relevant(ev.Name) {
				continue
			}
			logger.Debug("snapshot watcher: change", slog.String("name", ev.Name), slog.String("op", ev.Op.String()))
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("snapshot watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
