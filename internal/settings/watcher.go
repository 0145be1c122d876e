package settings

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file into a Store when it changes
// on disk. Rapid write bursts are debounced.
type Watcher struct {
	path   string
	store  *Store
	logger *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	debounce time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWatcher creates a watcher for the config file at path. It watches
// the parent directory so editor save strategies (rename-over, truncate)
// are all observed.
func NewWatcher(path string, store *Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		store:    store,
		logger:   logger,
		watcher:  fsw,
		done:     make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.Any("error", err))
		case <-timerCh:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		// Keep the last good settings on a bad edit.
		w.logger.Warn("config reload failed", slog.String("path", w.path), slog.Any("error", err))
		return
	}
	f.Apply(w.store)
	w.logger.Info("configuration reloaded", slog.String("path", w.path))
}
