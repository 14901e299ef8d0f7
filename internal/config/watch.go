package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/codefionn/striderun/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file at path whenever it is written, created or
// renamed into place, and passes the result to onChange. It blocks until ctx
// is done. The parent directory is watched so that editors which save by
// replacing the file are still picked up.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger.Debug("config: watching %s", absPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			cfg, err := Load(absPath)
			if err != nil {
				logger.Warn("config: reload of %s failed: %v", absPath, err)
				continue
			}
			logger.Info("config: reloaded %s", absPath)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error: %v", err)
		}
	}
}
