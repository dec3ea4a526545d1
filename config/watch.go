package config

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes on disk and hands the
// fresh configuration to apply. It watches the containing directory because
// editors typically replace the file instead of writing it in place, which
// would silently drop a watch on the file itself. The returned stop
// function ends the watch.
func Watch(cfile string, apply func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(cfile)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(cfile)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				conf, err := ReadConfig(cfile)
				if err != nil {
					slog.Warn("ignoring unreadable config update", "file", cfile, "error", err)
					continue
				}
				slog.Info("configuration file changed, applying", "file", cfile)
				apply(conf)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
