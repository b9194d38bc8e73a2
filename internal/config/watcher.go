package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when config files change. The
// running server sets these at startup.
type WatchTargets struct {
	// OnConfigChange fires with the freshly loaded config when
	// config.yaml is written or created. Typically used to swap the
	// recorder policy without a restart.
	OnConfigChange func(*Config)

	// OnConfigError fires when config.yaml changed but failed to load.
	// The previous config stays in effect.
	OnConfigError func(error)
}

// reloadDelay coalesces the bursts of events editors produce on save.
const reloadDelay = 100 * time.Millisecond

// Watcher reloads config.yaml when it changes on disk. Call Close to stop it.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	targets   WatchTargets
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher watches dir for changes to config.yaml and starts processing
// events in a background goroutine.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		path:      filepath.Join(dir, "config.yaml"),
		targets:   targets,
		done:      make(chan struct{}),
	}
	go w.processEvents()

	slog.Info("config watcher started", "path", w.path)
	return w, nil
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Base(event.Name) != "config.yaml" {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config.yaml changed but could not be loaded", "error", err)
		if w.targets.OnConfigError != nil {
			w.targets.OnConfigError(err)
		}
		return
	}
	slog.Info("config.yaml reloaded")
	if w.targets.OnConfigChange != nil {
		w.targets.OnConfigChange(cfg)
	}
}

// Close stops the watcher. Safe to call more than once, concurrently.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.pending != nil {
			w.pending.Stop()
		}
		w.mu.Unlock()
		w.closeErr = w.fsWatcher.Close()
	})
	return w.closeErr
}
