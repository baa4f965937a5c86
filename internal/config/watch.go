package config

import (
	"github.com/rjeczalik/notify"
)

// Watcher hot-reloads the quota subset of Config whenever
// the backing file changes on disk, using rjeczalik/notify for
// cross-platform filesystem events.
type Watcher struct {
	path   string
	events chan notify.EventInfo
	onLoad func(*Config)
}

// Watch starts watching path for writes, calling onLoad with the
// freshly parsed Config on every change. onLoad is responsible for
// applying only the hot-reloadable fields.
func Watch(path string, onLoad func(*Config)) (*Watcher, error) {
	events := make(chan notify.EventInfo, 8)
	if err := notify.Watch(path, events, notify.Write); err != nil {
		return nil, err
	}
	w := &Watcher{path: path, events: events, onLoad: onLoad}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for range w.events {
		cfg, err := Load(w.path)
		if err != nil {
			logger.Warn("config reload failed", "path", w.path, "err", err)
			continue
		}
		logger.Info("config reloaded", "path", w.path)
		w.onLoad(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() {
	notify.Stop(w.events)
	close(w.events)
}
