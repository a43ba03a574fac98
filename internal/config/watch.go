// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"grimm.is/sniproxy/internal/logging"
)

// Watcher triggers reload on either a SIGHUP or an fsnotify write/create
// event on the config file path. Both paths call the same Reload callback,
// matching the "external signal" collaborator spec.md treats abstractly.
type Watcher struct {
	path   string
	reload func()
	logger *logging.Logger
}

// NewWatcher builds a Watcher for path. reload is invoked (synchronously,
// on the watcher's goroutine) whenever either trigger fires.
func NewWatcher(path string, reload func(), logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig()).WithComponent("ssl_load")
	}
	return &Watcher{path: path, reload: reload, logger: logger}
}

// Run blocks until ctx is cancelled, watching both SIGHUP and the config
// file for changes.
func (w *Watcher) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, falling back to SIGHUP-only reload", "error", err.Error())
		return w.runSignalOnly(ctx, sigCh)
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		w.logger.Warn("failed to watch config file, falling back to SIGHUP-only reload",
			"path", w.path, "error", err.Error())
		return w.runSignalOnly(ctx, sigCh)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigCh:
			w.logger.Info("config reload triggered by signal", "signal", sig.String())
			w.reload()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.logger.Info("config reload triggered by file change", "path", ev.Name, "op", ev.Op.String())
				w.reload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify watch error", "error", err.Error())
		}
	}
}

func (w *Watcher) runSignalOnly(ctx context.Context, sigCh chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigCh:
			w.logger.Info("config reload triggered by signal", "signal", sig.String())
			w.reload()
		}
	}
}
