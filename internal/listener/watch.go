package listener

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of events one file write or rename
// typically produces into a single LoadAll, matching spec.md §8's
// boundary behavior: a file added then removed within one second yields
// a single final registry reflecting the removal.
const debounceWindow = 250 * time.Millisecond

type watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Watch starts a long-lived directory watcher that triggers a full
// LoadAll on any .lua mutation under Dir, debounced, and fires the
// change callback through the normal LoadAll -> swap path. Starting a
// second watcher while one is already running is a no-op.
func (r *Registry) Watch() error {
	r.mu.Lock()
	if r.watcher != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(r.dir); err != nil {
		fsw.Close()
		return err
	}

	w := &watcher{fsw: fsw, done: make(chan struct{})}

	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()

	go r.watchLoop(w)
	return nil
}

func (r *Registry) watchLoop(w *watcher) {
	var pending *time.Timer
	reload := func() {
		if err := r.LoadAll(); err != nil {
			r.logger.WithError(err).Warn("hot reload failed")
		}
	}

	for {
		select {
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !eligible(filenameOf(ev.Name)) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("listener directory watch error")
		}
	}
}

func (w *watcher) stop() {
	close(w.done)
	w.fsw.Close()
}

func filenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
