package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow absorbs the write-then-rename bursts most editors produce
// for a single save.
const debounceWindow = 300 * time.Millisecond

// Watcher hot-reloads a config file's non-job-state fields — the
// delegated-downloader container name and the transport proxy URL — without
// disturbing any in-flight job's state: a single fsnotify.Watcher, a
// debounced dispatch goroutine, and an explicit Close.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
	onReload func(*Config)

	done chan struct{}
}

// WatchFile starts watching path for writes and invokes onReload with the
// freshly-loaded Config each time its content actually changes. Callers are
// responsible for applying only the non-job-state fields of the reloaded
// Config to their live state — Watcher does not mutate any existing Config
// in place.
func WatchFile(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		fsw:      fsw,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	if cfg, err := Load(path); err == nil {
		w.lastHash = cfg.Hash()
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var pending *time.Timer
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			// Only content-changing events (Write, Create) matter — never Chmod.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed", "path", w.path, "error", err)
		return
	}
	hash := cfg.Hash()

	w.mu.Lock()
	changed := hash != w.lastHash
	w.lastHash = hash
	w.mu.Unlock()

	if changed && w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

