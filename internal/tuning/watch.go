package tuning

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it changes and hands each valid result to fn.
// Invalid files are logged and skipped. The parent directory is watched so
// editors that replace the file by rename are seen. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path string, logger *log.Logger, fn func(Tuning)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	// Editors often write in several steps; settle before reloading.
	const settle = 50 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			t, err := Load(path)
			if err != nil {
				if logger != nil {
					logger.Printf("tuning reload %s: %v", path, err)
				}
				continue
			}
			fn(t)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Printf("tuning watch: %v", err)
			}
		}
	}
}
