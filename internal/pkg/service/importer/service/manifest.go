package service

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/servicectx"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/config"
	"github.com/keboola/channel-distributer/internal/pkg/service/importer/distributer"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

// manifestReloadDelay groups events of one file update, for example truncate and write.
const manifestReloadDelay = 100 * time.Millisecond

// watchManifest applies the manifest again, when the file is written or replaced.
// The parent directory is watched, because editors and config mounts replace the file.
func (s *Service) watchManifest(ctx context.Context, proc *servicectx.Process, path string) {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// The error is not fatal, skip watching
		s.logger.Errorf(ctx, `cannot create FS watcher: %s`, err)
		return
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		// The error is not fatal, skip watching
		s.logger.Errorf(ctx, `cannot add path to the FS watcher "%s": %s`, filepath.Dir(path), err)
		_ = watcher.Close()
		return
	}

	proc.Add(func(ctx context.Context, _ chan<- error) {
		defer func() {
			if err := watcher.Close(); err != nil {
				s.logger.Warnf(ctx, `cannot close FS watcher: %s`, err)
			}
		}()

		var reload <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == path && event.Has(fsnotify.Write|fsnotify.Create) {
					reload = time.After(manifestReloadDelay)
				}
			case <-reload:
				reload = nil
				s.reloadManifest(ctx, path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Errorf(ctx, `FS watcher error: %s`, err)
			}
		}
	})
}

// reloadManifest keeps the previous manifest, if the new one cannot be loaded.
func (s *Service) reloadManifest(ctx context.Context, path string) {
	manifest, err := config.LoadManifest(path)
	if err != nil {
		s.logger.Errorf(ctx, `cannot reload manifest: %s`, err)
		return
	}

	s.logger.Infof(ctx, `manifest "%s" changed, %d topics`, path, len(manifest.Topics))
	if err := s.applyManifest(ctx, manifest); err != nil && !errors.Is(err, distributer.ErrShutdown) {
		s.logger.Errorf(ctx, `cannot apply manifest: %s`, err)
	}
}
