// Package watch re-runs the pipeline when the manifest or a tracked input
// file changes.
package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher debounces filesystem events on a tracked set of files and invokes
// a callback once per burst of changes.
//
// Directories containing the tracked files are watched rather than the
// files themselves: editors that write via rename would otherwise silently
// detach the watch.
type Watcher struct {
	tracked  map[string]struct{}
	dirs     []string
	debounce time.Duration
	onChange func(context.Context)
	logger   *zap.Logger
}

// New creates a watcher over the given file paths. onChange fires after
// events settle for the debounce interval.
func New(paths []string, debounce time.Duration, logger *zap.Logger, onChange func(context.Context)) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracked := make(map[string]struct{}, len(paths))
	dirSet := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		tracked[abs] = struct{}{}
		dirSet[filepath.Dir(abs)] = struct{}{}
	}
	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	return &Watcher{
		tracked:  tracked,
		dirs:     dirs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
}

// Run watches until ctx is cancelled. It blocks; callers run it in the
// foreground of `kiln watch`.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			return err
		}
		w.logger.Debug("watching directory", zap.String("dir", dir))
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("change detected",
				zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			w.onChange(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		abs = ev.Name
	}
	_, ok := w.tracked[abs]
	return ok
}
