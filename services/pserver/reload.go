package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pservergo/pserver/libs/go/core/logging"
	"github.com/pservergo/pserver/services/pserver/internal/config"
)

// watchConfig re-reads path whenever it changes and applies the new log level. Other
// settings take effect on restart. The directory is watched so that editors replacing the
// file by rename are noticed too. It returns when ctx ends.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, applied func(config.Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	// writes arrive in bursts; reload once they settle
	const settle = 100 * time.Millisecond
	timer := time.NewTimer(settle)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			timer.Reset(settle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "error", err)
		case <-timer.C:
			cfg, err := config.Load(path)
			if err != nil {
				logger.Warn("config reload rejected", "path", path, "error", err)
				continue
			}
			if lvl := cfg.Level(); lvl != logging.Level() {
				logging.SetLevel(lvl)
				logger.Info("log level changed", "level", lvl.String())
			}
			if applied != nil {
				applied(cfg)
			}
		}
	}
}
