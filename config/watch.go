package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces the burst of events editors emit per save.
const watchDebounce = 200 * time.Millisecond

// Watch emits a validated snapshot whenever the file changes on disk.
// Invalid or unreadable intermediate states are logged and skipped, so a
// broken edit never reaches the supervisor. The channel closes when ctx is
// cancelled.
func Watch(ctx context.Context, path string, log zerolog.Logger) (<-chan *Config, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: most editors replace the file, which would
	// otherwise drop the watch on the old inode.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	base := filepath.Base(path)

	out := make(chan *Config)
	go func() {
		defer close(out)
		defer w.Close()

		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerC = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			case <-timerC:
				timer = nil
				timerC = nil
				c, err := Load(path)
				if err != nil {
					log.Error().Err(err).Str("path", path).Msg("config reload rejected")
					continue
				}
				log.Info().Str("path", path).Msg("configuration changed")
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
