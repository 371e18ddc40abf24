package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of filesystem events most editors emit
// for a single save.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// freshly validated result to a callback. Invalid intermediate states are
// logged and skipped, keeping the last good config active.
type Watcher struct {
	fsw      *fsnotify.Watcher
	log      *slog.Logger
	stopOnce sync.Once
	done     chan struct{}
}

// WatchFile watches path and invokes onReload with each successfully loaded
// new config. The parent directory is watched rather than the file itself,
// so atomic rename-based saves keep working.
func WatchFile(path string, logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, log: logger, done: make(chan struct{})}
	go w.loop(abs, onReload)
	return w, nil
}

func (w *Watcher) loop(path string, onReload func(*Config)) {
	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				w.log.Warn("config reload skipped", "path", path, "error", err)
				continue
			}
			w.log.Info("config reloaded", "path", path)
			onReload(cfg)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
}
