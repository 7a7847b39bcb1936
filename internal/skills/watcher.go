package skills

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of events an editor or git checkout
// produces into a single notification.
const debounceWindow = 150 * time.Millisecond

// Watcher reports changes under the skills root. Notifications are
// debounced and carry no payload; consumers re-sync everything.
type Watcher struct {
	root   string
	logger *slog.Logger
	events chan struct{}
}

func NewWatcher(root string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:   root,
		logger: logger,
		events: make(chan struct{}, 1),
	}
}

// Events delivers one value per debounced change burst. The channel is
// closed when Start returns.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Start watches until ctx is cancelled. A missing root is tolerated; the
// watcher picks it up if it appears later as a child of a watched parent,
// otherwise there is simply nothing to watch.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	defer close(w.events)

	if err := addDirs(fsw, w.root); err != nil {
		w.logger.Warn("skills watch setup incomplete", "error", err)
	}

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	schedule := func() {
		pending = true
		if timer == nil {
			timer = time.NewTimer(debounceWindow)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(debounceWindow)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addDirs(fsw, ev.Name); err != nil {
						w.logger.Warn("skills watch add failed", "path", ev.Name, "error", err)
					}
				}
			}
			schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("skills watch error", "error", err)
		case <-timerC:
			timerC = nil
			timer = nil
			if !pending {
				continue
			}
			pending = false
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}

// addDirs registers root and every directory beneath it.
func addDirs(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return fsw.Add(p)
	})
}
