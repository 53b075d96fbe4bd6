package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 200 * time.Millisecond

// Watch calls onChange with the re-read config each time the file at path
// changes, until ctx is done. Env overrides are reapplied. An invalid edit
// is logged and skipped; the last good config stays in effect.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors often replace the file by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	name := filepath.Clean(path)
	go func() {
		defer w.Close()
		var (
			timer  *time.Timer
			reload <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(watchDebounce)
				reload = timer.C
			case <-reload:
				reload = nil
				cfg, err := Load(path)
				if err == nil {
					err = ApplyEnv(&cfg)
				}
				if err == nil {
					err = cfg.Validate()
				}
				if err != nil {
					log.Printf("CONFIG: reload of %s skipped: %v", path, err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()
	return nil
}
