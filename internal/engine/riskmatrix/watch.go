package riskmatrix

import (
	"context"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps an in-memory matrix refreshed from disk. Serve mode uses it
// so matrix edits take effect without a restart; one-shot CLI runs just call
// Load directly.
type Watcher struct {
	path string

	mu     sync.RWMutex
	matrix Matrix
	loaded bool
}

func NewWatcher(path string) *Watcher {
	w := &Watcher{path: path}
	w.reload()
	return w
}

// Current returns the latest successfully loaded matrix.
func (w *Watcher) Current() (Matrix, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.matrix, w.loaded
}

func (w *Watcher) reload() {
	m, ok, err := Load(w.path)
	if err != nil {
		log.Printf("risk matrix reload failed, keeping previous: %v", err)
		return
	}
	w.mu.Lock()
	w.matrix = m
	w.loaded = ok
	w.mu.Unlock()
}

// Run watches the matrix file's directory until ctx is cancelled. Watching the
// directory rather than the file survives editors that replace via rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.reload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("risk matrix watcher: %v", err)
		}
	}
}
