package manager

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDefaults forces a reconcile pass whenever a package defaults file is
// written, created or replaced. Parent directories are watched so editors that
// rename over the file are caught.
func (m *Manager) watchDefaults(ctx context.Context) error {
	files := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, s := range m.opts.Services {
		if s.DefaultsFile == "" {
			continue
		}
		p := filepath.Clean(s.DefaultsFile)
		files[p] = struct{}{}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	if len(files) == 0 {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("defaults watch disabled", zap.Error(err))
		return nil
	}
	defer w.Close()
	for d := range dirs {
		if err := w.Add(d); err != nil {
			m.log.Warn("cannot watch defaults directory", zap.String("dir", d), zap.Error(err))
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if _, hit := files[filepath.Clean(ev.Name)]; !hit {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				m.log.Debug("defaults file changed", zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
				m.rec.Force()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("defaults watch error", zap.Error(err))
		}
	}
}
