// Package watcher observes the active credential files so concurrent writes
// by the native CLIs invalidate cached identity data. Atomic replace may
// surface as Rename or Remove before the new file is ready, so events are
// debounced and the parent directories are watched rather than the files
// themselves.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceDelay lets an atomic replace (write temp + rename) settle before
// the callback fires.
const debounceDelay = 250 * time.Millisecond

// Watcher invalidates caches when watched credential files change.
type Watcher struct {
	paths    map[string]bool
	onChange func(path string)

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New builds a watcher over the given file paths. onChange runs debounced,
// once per settled change, from the watcher goroutine.
func New(paths []string, onChange func(path string)) *Watcher {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p != "" {
			set[filepath.Clean(p)] = true
		}
	}
	return &Watcher{
		paths:    set,
		onChange: onChange,
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until ctx is done. Directories that do not exist yet are
// skipped; the watcher is best-effort by design.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	dirs := map[string]bool{}
	for path := range w.paths {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if errAdd := fsw.Add(dir); errAdd != nil {
			log.Debugf("watcher: skip %s: %v", dir, errAdd)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if !w.paths[path] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule(path)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher: %v", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		log.Debugf("watcher: %s changed", path)
		if w.onChange != nil {
			w.onChange(path)
		}
	})
}
