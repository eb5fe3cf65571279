// Package watch re-triggers work when any of a fixed set of files changes.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"interpolapse/internal/fsutil"
)

// Watcher monitors a set of files through their parent directories and
// coalesces bursts of events into one callback.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]struct{}
	dirs     []string
	debounce time.Duration
	log      *slog.Logger
}

// New prepares a watcher for files. Nothing is watched until Run.
func New(files []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	set := make(map[string]struct{}, len(files))
	var abs []string
	for _, f := range files {
		if f == "" {
			continue
		}
		p, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		set[p] = struct{}{}
		abs = append(abs, p)
	}
	return &Watcher{
		watcher:  w,
		files:    set,
		dirs:     fsutil.ParentDirs(abs...),
		debounce: debounce,
		log:      logger,
	}, nil
}

// Dirs lists the directories being watched.
func (w *Watcher) Dirs() []string { return append([]string(nil), w.dirs...) }

// Run blocks until ctx is done, calling onChange once per quiet period after
// a watched file was created, written, renamed or removed. onChange runs on
// the watcher goroutine; events arriving meanwhile are coalesced into the
// next call.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context)) error {
	defer w.watcher.Close()
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching directory", "dir", dir)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if _, ok := w.files[filepath.Clean(event.Name)]; !ok {
				continue
			}
			w.log.Debug("watched file changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		case <-timer.C:
			onChange(ctx)
		}
	}
}
