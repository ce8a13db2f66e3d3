package profile

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rennerdo30/bifrost-extension/internal/logging"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 300 * time.Millisecond

// Watcher calls a function when the active profile file changes on disk.
type Watcher struct {
	fs       *fsnotify.Watcher
	target   func() string
	onChange func()
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher watches dir. target returns the absolute path of the profile
// file currently in use ("" when none); onChange runs after writes to it settle.
func NewWatcher(dir string, target func() string, onChange func(), debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create profile watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch profile directory: %w", err)
	}

	w := &Watcher{
		fs:       fsw,
		target:   target,
		onChange: onChange,
		debounce: debounce,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	logger := logging.WithComponent("profile-watcher")

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			target := w.target()
			if target == "" || filepath.Clean(event.Name) != filepath.Clean(target) {
				continue
			}
			logger.Debug("profile file changed", "path", event.Name, "op", event.Op.String())
			w.schedule()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warn("profile watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.onChange()
	})
}

// Close stops watching. Pending debounced callbacks are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return nil
	default:
	}
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.fs.Close()
	w.wg.Wait()
	return err
}
