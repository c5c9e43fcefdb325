package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reloads a DefinitionFile when it changes on disk and calls
// onChange after each reload that changed something.
type Watcher struct {
	file     *DefinitionFile
	onChange func()
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for file. The parent directory is watched
// so that editors which replace the file are handled.
func NewWatcher(file *DefinitionFile, onChange func(), logger zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(file.Path())); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(file.Path()), err)
	}

	return &Watcher{
		file:     file,
		onChange: onChange,
		debounce: DefaultDebounce,
		watcher:  w,
		logger:   logger.With().Str("component", "definitions_watcher").Logger(),
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	target := filepath.Clean(w.file.Path())
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := false

	w.logger.Info().Str("path", target).Msg("watching definitions")

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			pending = true
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watcher error")

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			changed, err := w.file.Reload()
			if err != nil || !changed {
				continue
			}
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
