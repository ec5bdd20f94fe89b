package mirror

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports local edits under a directory tree so a sync cycle can
// start before the next tick.
type Watcher struct {
	root     string
	ignore   string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   Logger
}

// NewWatcher watches root and its subdirectories. Events on ignore, usually
// the state file, are dropped.
func NewWatcher(root, ignore string, debounce time.Duration, logger Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     filepath.Clean(root),
		ignore:   filepath.Clean(ignore),
		debounce: debounce,
		watcher:  fw,
		logger:   logger,
	}
	if err := w.addTree(w.root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(p)
	})
}

// Run calls notify once per burst of events until ctx ends or the watcher
// is closed.
func (w *Watcher) Run(ctx context.Context, notify func()) error {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logf("watch %s: %v", event.Name, err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("watcher error: %v", err)
		case <-timerCh:
			timerCh = nil
			notify()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) == w.ignore {
		return false
	}
	if isTempFile(filepath.Base(event.Name)) {
		return false
	}
	return event.Op != fsnotify.Chmod
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
