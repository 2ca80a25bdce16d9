package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch notifies when the store document is replaced, by this process or
// another one. Notifications are coalesced: the channel has capacity one and
// a pending signal is never duplicated. The channel closes when ctx ends.
//
// The directory is watched rather than the file because every commit is a
// rename onto the path.
func (m *Manager) Watch(ctx context.Context) (<-chan struct{}, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("watch: ensure dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", m.dir, err)
	}

	notify := make(chan struct{}, 1)
	target := filepath.Clean(m.path)
	go func() {
		defer close(notify)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Error(ctx, "store watcher", zap.Error(err))
			}
		}
	}()
	return notify, nil
}
