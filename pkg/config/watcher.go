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

// ChangeFunc receives the previous and the newly loaded configuration.
type ChangeFunc func(old, updated *Config)

// Watcher reloads a configuration file when it changes. Invalid edits are
// logged and the last good configuration stays current.
type Watcher struct {
	path     string
	onChange ChangeFunc
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *Config
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for path starting from current.
func NewWatcher(path string, current *Config, onChange ChangeFunc, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		current:  current,
		onChange: onChange,
		logger:   logger.With().Str("component", "config").Str("path", path).Logger(),
		debounce: 250 * time.Millisecond,
	}
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start watches the file's directory so that editors replacing the file by
// rename are seen too.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx, fw)

	w.logger.Info().Msg("Watching configuration file")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)

	var reload *time.Timer
	defer func() {
		if reload != nil {
			reload.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = fw.Close()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reload != nil {
				reload.Stop()
			}
			reload = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload loads the file and hands the result to onChange.
func (w *Watcher) reload() {
	updated, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Ignoring invalid configuration change")
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	w.mu.Unlock()

	w.logger.Info().Msg("Configuration reloaded")
	if w.onChange != nil {
		w.onChange(old, updated)
	}
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fw, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	if fw == nil {
		return nil
	}
	err := fw.Close()
	<-done
	return err
}
