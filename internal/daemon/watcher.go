package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskfactory/factoryd/internal/logging"
	"github.com/taskfactory/factoryd/internal/workspace"
)

const (
	watchRefreshInterval = 15 * time.Second
	watchDebounce        = 250 * time.Millisecond
)

// Kicker receives workspace kicks from the watcher.
type Kicker interface {
	Kick(workspaceID string)
}

// Watcher watches each workspace's task directories and turns external file
// edits into queue kicks, debounced per workspace. Manual task.yaml edits
// become visible without a daemon restart.
type Watcher struct {
	registry workspace.Registry
	kicker   Kicker
	logger   *logging.Logger

	refresh  time.Duration
	debounce time.Duration

	mu      sync.Mutex
	dirs    map[string]string // watched dir -> workspace id
	pending map[string]*time.Timer
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchIntervals overrides the refresh and debounce intervals.
func WithWatchIntervals(refresh, debounce time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.refresh = refresh
		w.debounce = debounce
	}
}

// NewWatcher creates a watcher. It starts watching in Run.
func NewWatcher(registry workspace.Registry, kicker Kicker, logger *logging.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	w := &Watcher{
		registry: registry,
		kicker:   kicker,
		logger:   logger,
		refresh:  watchRefreshInterval,
		debounce: watchDebounce,
		dirs:     make(map[string]string),
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. A missing inotify backend is logged
// and disables watching rather than failing the daemon.
func (w *Watcher) Run(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file watching unavailable", "error", err)
		<-ctx.Done()
		return
	}
	defer fsw.Close()

	w.sync(ctx, fsw)
	ticker := time.NewTicker(w.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainTimers()
			return
		case <-ticker.C:
			w.sync(ctx, fsw)
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.schedule(event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// sync reconciles the watch list against the registry. Task directories of
// new workspaces are added; directories of removed workspaces are dropped.
func (w *Watcher) sync(ctx context.Context, fsw *fsnotify.Watcher) {
	workspaces, err := w.registry.List(ctx)
	if err != nil {
		w.logger.Warn("watch refresh failed", "error", err)
		return
	}

	want := make(map[string]string)
	for _, ws := range workspaces {
		cfg, err := workspace.LoadConfig(ws.ArtifactRoot, ws.Path)
		if err != nil {
			w.logger.Warn("workspace config unreadable", "workspace", ws.ID, "error", err)
			continue
		}
		for _, loc := range cfg.TaskLocations {
			want[workspace.TaskDir(ws.Path, loc)] = ws.ID
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.dirs {
		if _, keep := want[dir]; !keep {
			_ = fsw.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	for dir, wsID := range want {
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			// Tasks dirs appear lazily on first task creation; retry on the
			// next refresh tick.
			continue
		}
		w.dirs[dir] = wsID
		w.logger.Debug("watching task dir", "dir", dir, "workspace", wsID)
	}
}

// schedule debounces a change under path into one kick per workspace.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wsID := ""
	for dir, id := range w.dirs {
		if path == dir || filepath.Dir(path) == dir || isUnder(path, dir) {
			wsID = id
			break
		}
	}
	if wsID == "" {
		return
	}

	if timer, ok := w.pending[wsID]; ok {
		timer.Reset(w.debounce)
		return
	}
	id := wsID
	w.pending[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		w.kicker.Kick(id)
	})
}

func (w *Watcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, timer := range w.pending {
		timer.Stop()
		delete(w.pending, id)
	}
}

func isUnder(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}
