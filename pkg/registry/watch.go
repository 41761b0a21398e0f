package registry

import (
	"context"
	"path/filepath"

	"nodeselector/pkg/log"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry file at path into reg every time it changes.
// The parent directory is watched so that saves which replace the file by
// rename keep being seen. A file that fails to load is logged and the
// previous contents stay active. It runs until ctx is cancelled.
func Watch(ctx context.Context, path string, reg *Static) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close registry watcher")
		}
	}()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	log.Info().Str("path", path).Msg("Watching registry file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			// A rename onto path shows up as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					log.Debug().Str("path", path).Str("op", event.Op.String()).Msg("Registry file moved away, waiting for replacement")
				}
				continue
			}

			next, err := Load(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("Registry reload failed, keeping previous contents")
				continue
			}
			reg.Replace(next)
			log.Info().Str("path", path).Msg("Registry reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Registry watcher error")
		}
	}
}
