package etc

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/northbeacon/agent/modules/plugin"
)

// Watch reloads packs from dir into mgr whenever a pack file is
// created or rewritten. File names follow LocalSource's layout,
// "<name>-<version>.json"; a load failure leaves the current snapshot
// untouched (Manager.LoadPkg's contract) and is logged, never fatal —
// an operator dropping a broken pack into the directory must not take
// running tasks down.
//
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, dir string, mgr *Manager, plugMgr *plugin.Manager, logger log.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "etc: create pack watcher")
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "etc: watch pack dir %s", dir)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			name, version, ok := splitPackFilename(ev.Name)
			if !ok {
				continue
			}
			source, err := os.ReadFile(ev.Name)
			if err != nil {
				level.Warn(logger).Log("msg", "pack file unreadable", "path", ev.Name, "err", err)
				continue
			}
			if err := mgr.LoadPkg(ctx, name, version, source, plugMgr); err != nil {
				level.Warn(logger).Log("msg", "pack reload rejected", "pack", name, "version", version, "err", err)
				continue
			}
			level.Info(logger).Log("msg", "pack reloaded", "pack", name, "version", version)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			level.Warn(logger).Log("msg", "pack watcher error", "err", err)
		}
	}
}

// splitPackFilename parses "<name>-<version>.json", splitting at the
// last dash so pack names may themselves contain dashes.
func splitPackFilename(path string) (name, version string, ok bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return "", "", false
	}
	base = strings.TrimSuffix(base, ".json")
	i := strings.LastIndex(base, "-")
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	return base[:i], base[i+1:], true
}
