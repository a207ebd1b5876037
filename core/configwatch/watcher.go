// Package configwatch invokes callbacks when watched files are written.
package configwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher follows files through their parent directories, so a file that
// does not exist yet or is replaced by an editor's rename is still seen.
// Bursts of events for one file within the debounce window fire once.
type Watcher struct {
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*watchEntry
}

type watchEntry struct {
	cb    func(path string)
	timer *time.Timer
}

// New creates a Watcher.
func New(debounce time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		debounce: debounce,
		logger:   logger,
		entries:  make(map[string]*watchEntry),
	}
}

// Watch registers cb for path. Call before Run.
func (w *Watcher) Watch(path string, cb func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[filepath.Clean(path)] = &watchEntry{cb: cb}
}

// Run watches until the context is cancelled. It blocks, so call it in a
// goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	w.mu.Lock()
	dirs := make(map[string]bool)
	for path := range w.entries {
		dirs[filepath.Dir(path)] = true
	}
	w.mu.Unlock()

	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule(filepath.Clean(ev.Name))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[path]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(w.debounce, func() {
		w.logger.Info("config file changed", "path", path)
		e.cb(path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
