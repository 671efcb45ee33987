package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file and the detection rules file for changes
// and fires registered callbacks so the detector set and policy engine can
// hot-reload without a restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	paths     map[string]bool
	callbacks []func(path string)
	mu        sync.Mutex // protects callbacks
	done      chan struct{}
	logger    *slog.Logger
}

// NewWatcher creates a Watcher for the given file paths. Missing files are
// skipped with a warning; the watcher still covers the ones that exist.
func NewWatcher(paths []string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		fsWatcher: fsw,
		paths:     make(map[string]bool),
		done:      make(chan struct{}),
		logger:    logger.With("component", "config.Watcher"),
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		w.paths[abs] = true
		// Watch the parent directory: editors replace files on save, which
		// drops a direct file watch.
		if err := fsw.Add(filepath.Dir(abs)); err != nil {
			w.logger.Warn("could not watch directory", "dir", filepath.Dir(abs), "error", err)
		}
	}

	return w, nil
}

// OnChange registers a callback invoked when a watched file changes.
// Callbacks run on the watcher goroutine; keep them fast.
func (w *Watcher) OnChange(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins processing filesystem events in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts down the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.paths[abs] {
				continue
			}
			w.logger.Info("watched file changed", "path", abs)

			w.mu.Lock()
			cbs := make([]func(string), len(w.callbacks))
			copy(cbs, w.callbacks)
			w.mu.Unlock()

			for _, fn := range cbs {
				fn(abs)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}
