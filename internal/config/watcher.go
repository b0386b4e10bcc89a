package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigEvent represents a configuration change event.
type ConfigEvent struct {
	Path   string
	Config *Config
	Error  error
}

// Watcher monitors one configuration file for changes. The parent directory
// is watched so that editors which replace the file by rename are seen.
type Watcher struct {
	loader   *Loader
	path     string
	watcher  *fsnotify.Watcher
	events   chan ConfigEvent
	debounce time.Duration

	mu      sync.RWMutex
	current *Config
}

// NewWatcher creates a new config file watcher.
func NewWatcher(loader *Loader, path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		loader:   loader,
		path:     abs,
		watcher:  fsWatcher,
		events:   make(chan ConfigEvent, 10),
		debounce: 100 * time.Millisecond,
	}, nil
}

// Events returns the channel that receives config change events.
func (w *Watcher) Events() <-chan ConfigEvent {
	return w.events
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start loads the file once and begins watching it.
func (w *Watcher) Start(ctx context.Context) error {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	go w.run(ctx)
	return nil
}

// Stop closes the watcher and cleans up resources.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)

	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			} else if event.Op&fsnotify.Remove != 0 {
				w.emit(ctx, ConfigEvent{Path: w.path, Error: fmt.Errorf("config removed: %s", w.path)})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.emit(ctx, ConfigEvent{Error: err})

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.handleUpdate(ctx)
			}
		}
	}
}

func (w *Watcher) handleUpdate(ctx context.Context) {
	cfg, err := w.loader.LoadAndValidate(w.path)
	if err != nil {
		w.emit(ctx, ConfigEvent{Path: w.path, Error: fmt.Errorf("failed to reload config %s: %w", w.path, err)})
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.emit(ctx, ConfigEvent{Path: w.path, Config: cfg})
}

func (w *Watcher) emit(ctx context.Context, ev ConfigEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
