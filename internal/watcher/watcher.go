// Package watcher notifies when a signal file lands in a watched
// directory. Both users — the worker watching its control directory
// and the supervisor watching the prompt root — consume files that
// arrive via atomic write-then-rename, so the only interesting events
// are a file being created, rewritten, or renamed into place.
// Removals and permission churn never carry a command and are
// ignored. The watch is a latency optimization on top of polling;
// when it cannot be established or dies, callers fall back to their
// poll cadence.
package watcher

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// landedOps are the operations an atomic write-then-rename can
// surface as, depending on platform and whether the target existed.
const landedOps = fsnotify.Create | fsnotify.Write | fsnotify.Rename

// Watcher owns one directory watch and its dispatch goroutine.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// Watch starts watching dir and invokes fire(path) for every file
// that lands there, until Close is called. fire runs on the dispatch
// goroutine and must not block.
func Watch(dir string, fire func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&landedOps != 0 {
					fire(ev.Name)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				// Degraded, not fatal: polling still observes the file.
				log.Printf("[watcher] %s: %v", dir, err)
			}
		}
	}()

	return &Watcher{fsw: fsw}, nil
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
