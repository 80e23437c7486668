package hooks

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Reloader is triggered by the watcher
type Reloader interface {
	Reload(ctx context.Context) error
}

// Watcher reloads hooks when the configuration file changes.
// It watches the parent directory so that editors replacing the file are noticed.
type Watcher struct {
	path     string
	debounce time.Duration
	reloader Reloader
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, debounce time.Duration, reloader Reloader) *Watcher {
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	return &Watcher{path: path, debounce: debounce, reloader: reloader}
}

// Run watches until ctx is done. Bursts of change events trigger a single reload.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating hook config watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}
	logging.LogInfof("watching %s for hook configuration changes", w.path)

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.LogWarningf(err, "hook config watcher error")
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			logging.LogInfof("hook configuration changed, reloading")
			if err := w.reloader.Reload(ctx); err != nil {
				logging.LogWarningf(err, "hook reload triggered by file change failed")
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Name == "" || filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
