package plugins

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/andrei-cloud/procmacro/internal/packages"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long Watch waits for changes to settle before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls reload whenever a package manifest or compiled plugin module under root changes.
// Bursts of changes within debounce trigger a single reload. Watch blocks until ctx is done.
func Watch(ctx context.Context, root string, debounce time.Duration, reload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addDirs(watcher, root); err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	log.Info().Str("event", "plugin_watch_started").Str("path", root).Msg("watching plugin directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := addDirs(watcher, event.Name); err != nil {
						log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}
			if !relevant(event) {
				continue
			}
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("plugin file changed")
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("plugin watcher error")
		case <-timer.C:
			log.Info().Str("event", "plugin_reload").Str("path", root).Msg("plugin files changed, reloading")
			reload()
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)

	return base == packages.ManifestName || filepath.Ext(base) == packages.ModuleExt
}

// addDirs watches root and every directory below it.
func addDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}

		return nil
	})
}
