package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/pgdoorman/pgdoorman/internal/logging"
)

// WatchFile starts an fsnotify watch on the config file and calls
// Reload() on every write/rename event, so editing pg_doorman.toml on
// disk has the same effect as SIGHUP or an admin RELOAD (spec.md §4.H,
// §4.I). It stops when stop is closed.
func (w *Watcher) WatchFile(stop <-chan struct{}) error {
	log := logging.For("config")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.Reload(); err != nil {
					log.Error().Err(err).Msg("config reload failed, keeping previous configuration")
					continue
				}
				log.Info().Msg("config reloaded from file change")
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			case <-stop:
				return
			}
		}
	}()
	return nil
}
