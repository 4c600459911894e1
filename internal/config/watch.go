package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"relaychat/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file and reloads it on change. Reloads are
// debounced because editors tend to fire several events per save.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	onReload func(*Config)
	lastSeen time.Time
	debounce time.Duration
	running  bool
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for the config file at path. onReload is
// invoked with the freshly loaded config after each successful reload.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		path:     path,
		onReload: onReload,
		debounce: 500 * time.Millisecond,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; stops when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: saves that replace the file would
	// otherwise drop the watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	go func() {
		defer close(w.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Name != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.mu.Lock()
				if time.Since(w.lastSeen) < w.debounce {
					w.mu.Unlock()
					continue
				}
				w.lastSeen = time.Now()
				w.mu.Unlock()

				cfg, err := LoadFile(w.path)
				if err != nil {
					logging.Get(logging.CategoryConfig).Warn("config reload failed: %v", err)
					continue
				}
				logging.Get(logging.CategoryConfig).Info("config reloaded from %s", w.path)
				if w.onReload != nil {
					w.onReload(cfg)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryConfig).Warn("config watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running {
		<-w.doneCh
	}
	return err
}
