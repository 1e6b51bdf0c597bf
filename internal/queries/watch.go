package queries

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reindexes the library whenever files under the folder change,
// so edits made directly in the folder (by the UI collaborator or a
// text editor) show up without a restart. Blocks until ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := l.watchTree(watcher); err != nil {
		return err
	}

	// Editors fire bursts of events per save; coalesce them into one
	// reindex with a short settle timer.
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						l.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(250 * time.Millisecond)
				timerC = timer.C
			} else {
				timer.Reset(250 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("query folder watch error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := l.Reindex(); err != nil {
				l.logger.Warn("reindex after folder change failed", "error", err)
			}
		}
	}
}

// watchTree registers the library root and every existing subdirectory.
func (l *Library) watchTree(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
