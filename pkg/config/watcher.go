package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of writes to the config file.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes. Invalid documents
// are logged and ignored so the running configuration stays in effect.
type Watcher struct {
	loader   *Loader
	path     string
	delay    time.Duration
	onChange func(*Config) error
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
}

// NewWatcher prepares a watcher for path. onChange receives every valid
// reloaded configuration.
func NewWatcher(loader *Loader, path string, onChange func(*Config) error, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		delay:    DefaultReloadDelay,
		onChange: onChange,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		done:     make(chan struct{}),
	}
}

// SetDelay overrides the debounce delay.
func (w *Watcher) SetDelay(d time.Duration) { w.delay = d }

// Start watches the directory holding the file, which also catches editors
// that replace the file by renaming.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.watcher = watcher

	go w.processEvents(ctx)

	w.logger.Info().Str("path", w.path).Msg("Watching configuration for changes")
	return nil
}

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Config file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Ignoring invalid configuration")
		return
	}
	if err := w.onChange(cfg); err != nil {
		w.logger.Error().Err(err).Msg("Failed to apply reloaded configuration")
		return
	}
	w.logger.Info().Str("path", w.path).Msg("Configuration reloaded")
}
