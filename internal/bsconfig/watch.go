package bsconfig

import (
	"github.com/fsnotify/fsnotify"

	"brainsurgeon/internal/brlog"
)

var logger = brlog.Default.WithComponent("bsconfig")

// Watch watches the config file for changes and invokes onChange with the
// freshly reloaded Config whenever it is written. It runs until stop is
// closed. Errors opening the watcher are logged and watching is skipped --
// live reload is a convenience, not a correctness requirement (the
// programmatic Reload/Save path always works).
func (s *Store) Watch(stop <-chan struct{}, onChange func(Config)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("failed to start config watcher", map[string]any{"error": err.Error()})
		return
	}

	dir := parentDir(s.path)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("failed to watch config directory", map[string]any{"dir": dir, "error": err.Error()})
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := s.Reload()
				if err != nil {
					logger.Warn("failed to reload config after change", map[string]any{"error": err.Error()})
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", map[string]any{"error": err.Error()})
			}
		}
	}()
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
