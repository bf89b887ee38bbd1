package livedom

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileDebounce coalesces the write bursts editors produce on save.
const fileDebounce = 100 * time.Millisecond

// WatchFile patches d from path every time the file changes on disk, until
// ctx is cancelled. The parent directory is watched so atomic renames are
// seen.
func (d *Document) WatchFile(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("livedom: watch: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("livedom: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("livedom: watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		f, err := os.Open(abs)
		if err != nil {
			logger.Warn("livedom: reload failed", "path", abs, "error", err)
			return
		}
		defer f.Close()
		if err := d.Patch(f); err != nil {
			logger.Warn("livedom: reload failed", "path", abs, "error", err)
			return
		}
		logger.Debug("livedom: reloaded", "path", abs)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(fileDebounce)
			fire = timer.C
		case <-fire:
			fire = nil
			reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("livedom: watch error", "path", abs, "error", err)
		}
	}
}
