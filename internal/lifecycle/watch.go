// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowhook/flowhook/internal/log"
)

// Watch reloads all plugins whenever a file inside dir changes. Development
// convenience for local-directory plugins; writes are debounced so one save
// producing several fs events triggers one reload.
func (m *Manager) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	logger := log.WithComponent("lifecycle-watch")
	go func() {
		defer func() { _ = watcher.Close() }()

		var timer *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				logger.Info().Str(log.FieldPath, dir).Msg("plugin directory changed, reloading")
				if err := m.Reload(ctx); err != nil {
					logger.Error().Err(err).Msg("reload after fs change failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("plugin directory watch error")
			}
		}
	}()
	return nil
}
