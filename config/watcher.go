package config

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads a QoS profile file: fsnotify events trigger an
// immediate reload, and an mtime poll backs it up for filesystems without
// change notification (NFS, bind mounts).
type Watcher struct {
	path     string
	registry *ProfileRegistry
	interval time.Duration
	log      *zap.SugaredLogger

	reloads uint64
}

// NewWatcher creates a watcher with the given poll interval.
func NewWatcher(path string, registry *ProfileRegistry, interval time.Duration, log *zap.SugaredLogger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Watcher{path: path, registry: registry, interval: interval, log: log}
}

// Run loads the file once, then watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.registry.LoadFromYAML(w.path); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		// Editors replace files; watching the file itself would lose the
		// watch on rename, so watch nothing fancier than add-and-retry.
		if addErr := fsw.Add(w.path); addErr != nil {
			w.log.Debugw("fsnotify watch failed, polling only", "error", addErr)
		}
		defer fsw.Close()
	} else {
		w.log.Debugw("fsnotify unavailable, polling only", "error", err)
		fsw = nil
	}

	lastMtime := w.mtime()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		var events chan fsnotify.Event
		if fsw != nil {
			events = fsw.Events
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				fsw = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
				lastMtime = w.mtime()
				if ev.Op&fsnotify.Rename != 0 {
					fsw.Add(w.path)
				}
			}
		case <-ticker.C:
			if mt := w.mtime(); mt.After(lastMtime) {
				lastMtime = mt
				w.reload()
			}
		}
	}
}

// Reloads returns how many reloads were applied.
func (w *Watcher) Reloads() uint64 { return w.reloads }

func (w *Watcher) mtime() time.Time {
	st, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}
	}
	return st.ModTime()
}

func (w *Watcher) reload() {
	if err := w.registry.LoadFromYAML(w.path); err != nil {
		w.log.Warnw("qos profile reload failed, keeping previous registry", "path", w.path, "error", err)
		return
	}
	w.reloads++
	w.log.Infow("qos profiles reloaded", "path", w.path, "profiles", len(w.registry.Names()))
}
