package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher reports changes to the config file using fsnotify with a polling
// fallback. The parent directory is watched so that atomic replacements,
// which rename a temp file over the config, are seen.
type Watcher struct {
	// path is the config file being monitored.
	path string
	// events is buffered to 1 so back-to-back writes coalesce.
	events chan struct{}
	// done is closed by [Watcher.Close].
	done chan struct{}
	// exited is closed when the background goroutine returns.
	exited chan struct{}
	once   sync.Once
	// polling is true when the watcher has fallen back to stat polling.
	polling      atomic.Bool
	pollInterval time.Duration
}

// NewWatcher starts watching the config file at path. The file need not
// exist yet; its directory must.
func NewWatcher(path string) *Watcher {
	return newWatcher(path, 2*time.Second)
}

func newWatcher(path string, pollInterval time.Duration) *Watcher {
	w := &Watcher{
		path:         path,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
		pollInterval: pollInterval,
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, falling back to polling", "error", err)
		w.startPolling()
		return w
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		slog.Info("cannot watch config directory, falling back to polling", "path", path, "error", err)
		fsw.Close()
		w.startPolling()
		return w
	}
	go w.watch(fsw)
	return w
}

// Polling reports whether the watcher is using polling instead of fsnotify.
func (w *Watcher) Polling() bool {
	return w.polling.Load()
}

// Events returns a channel that receives a signal when the file changes.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	<-w.exited
	return nil
}

func (w *Watcher) startPolling() {
	w.polling.Store(true)
	go func() {
		defer close(w.exited)
		w.poll()
	}()
}

// watch forwards fsnotify events for the config file. On a watcher error
// it switches to polling.
func (w *Watcher) watch(fsw *fsnotify.Watcher) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			fsw.Close()
			close(w.exited)
			return
		case event, ok := <-fsw.Events:
			if !ok {
				close(w.exited)
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.notify()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				close(w.exited)
				return
			}
			slog.Info("fsnotify error, switching to polling", "error", err)
			fsw.Close()
			w.startPolling()
			return
		}
	}
}

// stamp identifies one version of the file on disk.
type stamp struct {
	mod  time.Time
	size int64
	ok   bool
}

func (w *Watcher) stat() stamp {
	info, err := os.Stat(w.path)
	if err != nil {
		return stamp{}
	}
	return stamp{mod: info.ModTime(), size: info.Size(), ok: true}
}

// poll stats the file on each tick and notifies when it appears or its
// modification time or size changes.
func (w *Watcher) poll() {
	last := w.stat()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			cur := w.stat()
			if !cur.ok {
				last = cur
				continue
			}
			if !last.ok || !cur.mod.Equal(last.mod) || cur.size != last.size {
				last = cur
				w.notify()
			}
		}
	}
}

// notify sends one signal. A pending signal absorbs the call.
func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
