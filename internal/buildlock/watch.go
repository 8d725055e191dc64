package buildlock

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// waker delivers a signal when the lock file is removed or renamed. A nil
// waker never fires, so Acquire falls back to plain polling.
type waker struct {
	w  *fsnotify.Watcher
	ch chan struct{}
}

// watch watches the lock file's directory; watching the file itself stops
// working once it has been removed.
func (c *Coordinator) watch() *waker {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Debugf("build_lock_watch_unavailable: %v", err)
		return nil
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		c.log.Debugf("build_lock_watch_unavailable: %v", err)
		w.Close()
		return nil
	}
	wk := &waker{w: w, ch: make(chan struct{}, 1)}
	target := filepath.Clean(c.path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case wk.ch <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wk
}

// C returns nil for a nil waker; receiving from it blocks forever.
func (wk *waker) C() <-chan struct{} {
	if wk == nil {
		return nil
	}
	return wk.ch
}

func (wk *waker) Close() {
	if wk != nil {
		wk.w.Close()
	}
}
