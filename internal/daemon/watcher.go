package daemon

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchConfig reloads configuration when config.toml changes on disk.
// The home directory is watched rather than the file: atomic writes
// replace the inode, which silently drops a per-file watch. The returned
// func stops the watcher.
func (d *Daemon) watchConfig() func() {
	cfg := d.config()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn().Err(err).Msg("config watcher unavailable, edits require restart or set_config")
		return func() {}
	}
	if err := watcher.Add(cfg.Home); err != nil {
		d.log.Warn().Err(err).Str("dir", cfg.Home).Msg("cannot watch config dir")
		_ = watcher.Close()
		return func() {}
	}

	target := filepath.Base(cfg.ConfigPath())
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if err := d.reloadConfig(); err != nil {
					d.log.Warn().Err(err).Msg("config change rejected")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return func() { _ = watcher.Close() }
}
