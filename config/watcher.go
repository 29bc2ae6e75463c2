package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/velmie/outbox/v2"
)

const defaultDebounce = 200 * time.Millisecond

// Refresher re-reads settings after the property source changed. *outbox.Registry implements it.
type Refresher interface {
	Refresh() error
}

// Watcher reloads a File when it changes on disk and then refreshes its targets.
type Watcher struct {
	file     *File
	targets  []Refresher
	logger   outbox.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger outbox.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long the watcher waits for writes to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher builds a Watcher for file.
func NewWatcher(file *File, targets []Refresher, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		file:     file,
		targets:  targets,
		logger:   outbox.NopLogger{},
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run watches the file's directory until ctx is canceled. The directory is watched rather than
// the file so that editors replacing the file by rename are observed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("outbox config: create watcher: %w", err)
	}
	defer watcher.Close()

	path, err := filepath.Abs(w.file.Path())
	if err != nil {
		return fmt.Errorf("outbox config: resolve %s: %w", w.file.Path(), err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("outbox config: watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug("outbox config changed", "file", event.Name, "op", event.Op.String())
				timer.Reset(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("outbox config watcher failed", "err", err)
		case <-timer.C:
			w.apply()
		}
	}
}

func (w *Watcher) apply() {
	if err := w.file.Reload(); err != nil {
		w.logger.Error("outbox config reload failed", "err", err)

		return
	}

	for _, target := range w.targets {
		if err := target.Refresh(); err != nil {
			w.logger.Error("outbox settings refresh failed", "err", err)
		}
	}
	w.logger.Info("outbox config reloaded", "file", w.file.Path())
}
