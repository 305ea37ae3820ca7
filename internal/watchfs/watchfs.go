// Package watchfs implements engine.Watcher over the filesystem using
// fsnotify, debouncing bursts of events (an editor's save-then-rename, a
// recursive copy) into a single change signal per quiet period.
package watchfs

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a fixed set of paths and emits one signal on Changes()
// per debounce window after the last observed event.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	changes   chan struct{}
	debounce  time.Duration
	done      chan struct{}
}

// New starts watching paths (files or directories) and returns a Watcher.
// Callers must call Close when done.
func New(debounce time.Duration, paths ...string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := fsWatcher.Add(p); err != nil {
			fsWatcher.Close()
			return nil, err
		}
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		changes:   make(chan struct{}, 1),
		debounce:  debounce,
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case _, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			select {
			case w.changes <- struct{}{}:
			default:
			}
			fire = nil

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}

		case <-w.done:
			return
		}
	}
}

// Changes implements engine.Watcher.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops the underlying fsnotify watcher and its debounce goroutine.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}
