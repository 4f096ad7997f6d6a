package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceDelay = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes and hands every
// valid revision to the registered callbacks. Invalid revisions are logged
// and skipped, so the running configuration stays in effect.
type Watcher struct {
	path      string
	callbacks []func(*Config)
	mu        sync.RWMutex

	timer   *time.Timer
	timerMu sync.Mutex
}

func NewWatcher(path string) *Watcher {
	return &Watcher{path: path}
}

func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.callbacks = append(w.callbacks, callback)
}

// Watch blocks until ctx ends. The parent directory is watched so editors
// that replace the file atomically are still observed.
func (w *Watcher) Watch(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	name := filepath.Base(w.path)

	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != name {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("config change detected")
				w.debounce(ctx)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) debounce(ctx context.Context) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(debounceDelay, func() { w.reload(ctx) })
}

func (w *Watcher) stopTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	logger := zerolog.Ctx(ctx)

	cfg, err := Load(w.path)
	if err != nil {
		logger.Warn().Err(err).Str("file", w.path).Msg("config reload rejected")

		return
	}

	logger.Info().Str("file", w.path).Int("templates", len(cfg.Templates)).Msg("config reloaded")

	w.mu.RLock()
	callbacks := w.callbacks
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}
