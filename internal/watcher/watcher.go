// Package watcher provides file system watching for configuration files
// edited outside the API, reloading them on change.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors a file for writes and calls onChange when it settles.
// It watches the parent directory since editors and atomic writers replace
// the file rather than updating it in place.
type Watcher struct {
	targetPath string
	parentPath string
	onChange   func()
	watcher    *fsnotify.Watcher
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	running    bool
	debounce   time.Duration
}

// New creates a Watcher for the given file. The onChange callback fires
// after writes to the file quiesce.
func New(targetPath string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		targetPath: targetPath,
		parentPath: filepath.Dir(targetPath),
		onChange:   onChange,
		watcher:    fsw,
		ctx:        ctx,
		cancel:     cancel,
		debounce:   100 * time.Millisecond,
	}, nil
}

// Start begins watching for change events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.parentPath).Msg("Failed to add initial watch")
		// Continue anyway - the directory may appear later
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	w.cancel()
	return w.watcher.Close()
}

// addWatch adds the parent directory to the watch list.
func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parentPath); os.IsNotExist(err) {
		return err
	}
	return w.watcher.Add(w.parentPath)
}

// watchLoop is the main event loop.
func (w *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			eventPath := filepath.Clean(event.Name)
			targetPath := filepath.Clean(w.targetPath)

			// Write, create and rename all count: atomic writers rename a
			// temp file over the target.
			if eventPath == targetPath && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				log.Debug().Str("path", w.targetPath).Str("op", event.Op.String()).
					Msg("Config file changed")
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, w.handleChange)
				continue
			}

			// Parent directory recreated: re-establish the watch.
			if eventPath == w.parentPath && event.Op&fsnotify.Create != 0 {
				log.Info().Str("path", w.parentPath).Msg("Parent directory recreated, re-establishing watch")
				_ = w.addWatch()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// handleChange invokes the onChange callback once the file has settled.
func (w *Watcher) handleChange() {
	log.Info().Str("path", w.targetPath).Msg("Reloading after config change")
	if w.onChange != nil {
		w.onChange()
	}
}
