package fs

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"revfs/internal/node"
)

// WatchYoungest calls fn with every new youngest revision until ctx is
// done. Revisions published in quick succession may be reported once.
func (fs *FS) WatchYoungest(ctx context.Context, fn func(node.Revnum)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// current is replaced by rename, so watch the directory.
	if err := watcher.Add(fs.path); err != nil {
		return fmt.Errorf("watching %s: %w", fs.path, err)
	}

	last, err := fs.Youngest()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != fileCurrent {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			youngest, err := fs.Youngest()
			if err != nil {
				fs.logger.Warn("reading youngest revision", zap.Error(err))
				continue
			}
			if youngest > last {
				last = youngest
				fn(youngest)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fs.logger.Warn("watch error", zap.Error(err))
		}
	}
}
