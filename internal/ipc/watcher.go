package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kinshell/kinshell/internal/loop"
)

// Watcher drains the command channel on a poll interval and as soon as
// fsnotify reports a new command file.
type Watcher struct {
	proc   *Processor
	loop   *loop.Loop
	logger *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	watched map[string]bool
}

func NewWatcher(proc *Processor, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{proc: proc, logger: logger, watched: map[string]bool{}}
	w.loop = &loop.Loop{Name: "ipc", Interval: interval, Logger: logger, Tick: w.tick}
	return w
}

// Start launches the drain loop. fsnotify is optional; without it the
// watcher falls back to polling alone.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.loop.Start(ctx); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable; polling only", "error", err)
		return nil
	}
	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	w.syncWatches()
	go w.events(ctx, fsw)
	return nil
}

func (w *Watcher) Stop() {
	w.loop.Stop()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		_ = w.fsw.Close()
		w.fsw = nil
	}
}

func (w *Watcher) Done() <-chan struct{} { return w.loop.Done() }

func (w *Watcher) tick(ctx context.Context) error {
	w.syncWatches()
	stats, err := w.proc.DrainOnce(ctx)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if stats.Applied+stats.Quarantined > 0 {
		w.logger.Debug("ipc drained", "applied", stats.Applied, "quarantined", stats.Quarantined)
	}
	return nil
}

// syncWatches adds the root and every queue directory that appeared since
// the last call.
func (w *Watcher) syncWatches() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return
	}
	dirs := []string{w.proc.Root()}
	namespaces, _ := w.proc.Namespaces()
	for _, ns := range namespaces {
		for _, q := range []Queue{QueueMessages, QueueTasks} {
			dirs = append(dirs, filepath.Join(w.proc.Root(), ns, string(q)))
		}
	}
	for _, d := range dirs {
		if w.watched[d] {
			continue
		}
		if err := w.fsw.Add(d); err == nil {
			w.watched[d] = true
		}
	}
}

// wakeDebounce lets a writer finish before the drain reads the file.
const wakeDebounce = 100 * time.Millisecond

func (w *Watcher) events(ctx context.Context, fsw *fsnotify.Watcher) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.loop.Wake()
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && strings.HasSuffix(ev.Name, ".json"):
				timer.Reset(wakeDebounce)
			case ev.Op&fsnotify.Remove != 0:
				w.mu.Lock()
				delete(w.watched, ev.Name)
				w.mu.Unlock()
			case ev.Op&fsnotify.Create != 0:
				// A new namespace or queue directory.
				timer.Reset(wakeDebounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("ipc watcher error", "error", err)
		}
	}
}
