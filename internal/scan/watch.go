package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives the absolute path of an image that was written,
// replaced or removed.
type ChangeFunc func(path string, removed bool)

// Watcher reports changes to the images below a directory.
type Watcher struct {
	w        *fsnotify.Watcher
	onChange ChangeFunc
	logger   LoggerFunc
	done     chan struct{}
}

// NewWatcher watches dir and all its subdirectories.
func NewWatcher(dir string, onChange ChangeFunc, logger LoggerFunc) (*Watcher, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.Add(p); err != nil {
				logf(logger, "cannot watch %s: %v", p, err)
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to register %s: %w", root, err)
	}
	return &Watcher{w: w, onChange: onChange, logger: logger, done: make(chan struct{})}, nil
}

// Run dispatches events until ctx is done, then closes the watcher.
// It must be called once.
func (wt *Watcher) Run(ctx context.Context) {
	defer close(wt.done)
	defer wt.w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-wt.w.Events:
			if !ok {
				return
			}
			wt.handle(ev)
		case err, ok := <-wt.w.Errors:
			if !ok {
				return
			}
			logf(wt.logger, "watch error: %v", err)
		}
	}
}

// Wait blocks until Run has returned.
func (wt *Watcher) Wait() {
	<-wt.done
}

func (wt *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			if err := wt.w.Add(ev.Name); err != nil {
				logf(wt.logger, "cannot watch %s: %v", ev.Name, err)
			}
			return
		}
	}
	if !IsImage(ev.Name) || wt.onChange == nil {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		wt.onChange(ev.Name, true)
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		wt.onChange(ev.Name, false)
	}
}
