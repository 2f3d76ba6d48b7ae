package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aristath/nworlds/internal/log"
)

// ActivityWatcher touches sandboxes whenever files inside them change, so a
// long-running task that keeps writing is never reported as stuck.
type ActivityWatcher struct {
	mgr      *Manager
	watcher  *fsnotify.Watcher
	interval time.Duration
	logger   log.Logger

	mu        sync.Mutex
	dirs      map[string][]string // Sandbox id -> watched directories
	lastTouch map[string]time.Time
}

// NewActivityWatcher creates a watcher that touches a sandbox at most once per
// interval.
func NewActivityWatcher(mgr *Manager, interval time.Duration) (*ActivityWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ActivityWatcher{
		mgr:       mgr,
		watcher:   w,
		interval:  interval,
		logger:    mgr.logger.WithValues(log.Kv{"svc": "sandbox.ActivityWatcher"}),
		dirs:      make(map[string][]string),
		lastTouch: make(map[string]time.Time),
	}, nil
}

// Watch starts watching every directory of the sandbox checkout.
func (w *ActivityWatcher) Watch(info Info) error {
	var dirs []string
	err := filepath.WalkDir(info.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		dirs = append(dirs, path)
		return nil
	})

	w.mu.Lock()
	w.dirs[info.ID] = append(w.dirs[info.ID], dirs...)
	w.mu.Unlock()

	if err != nil {
		return fmt.Errorf("watching sandbox %s: %w", info.ID, err)
	}
	return nil
}

// Unwatch stops watching a sandbox.
func (w *ActivityWatcher) Unwatch(id string) {
	w.mu.Lock()
	dirs := w.dirs[id]
	delete(w.dirs, id)
	delete(w.lastTouch, id)
	w.mu.Unlock()

	for _, dir := range dirs {
		// The directory may already be gone.
		_ = w.watcher.Remove(dir)
	}
}

// Run processes filesystem events until ctx is done or the watcher is closed.
func (w *ActivityWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warningf("fsnotify error: %v", err)
		}
	}
}

func (w *ActivityWatcher) handle(ctx context.Context, event fsnotify.Event) {
	id := w.sandboxOf(event.Name)
	if id == "" {
		return
	}

	w.mu.Lock()
	_, watched := w.dirs[id]
	w.mu.Unlock()
	if !watched {
		return
	}

	// New directories need their own watch.
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() && fi.Name() != ".git" {
			if err := w.watcher.Add(event.Name); err == nil {
				w.mu.Lock()
				w.dirs[id] = append(w.dirs[id], event.Name)
				w.mu.Unlock()
			}
		}
	}

	now := time.Now()
	w.mu.Lock()
	if now.Sub(w.lastTouch[id]) < w.interval {
		w.mu.Unlock()
		return
	}
	w.lastTouch[id] = now
	w.mu.Unlock()

	if err := w.mgr.Touch(ctx, id); err != nil {
		w.logger.Debugf("Could not touch sandbox %s: %v", id, err)
	}
}

// sandboxOf maps a path to the id of the sandbox containing it.
func (w *ActivityWatcher) sandboxOf(path string) string {
	rel, err := filepath.Rel(w.mgr.config.RootDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	id, _, _ := strings.Cut(rel, string(filepath.Separator))
	if strings.HasPrefix(id, ".") {
		return ""
	}
	return id
}

// Close stops the watcher.
func (w *ActivityWatcher) Close() error {
	return w.watcher.Close()
}
