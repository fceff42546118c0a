package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RedactionFile is the name of the redaction rules file in the config dir.
const RedactionFile = "redaction.yaml"

// debounce is how long a file must stay quiet before its callback runs.
// Editors and yaml.v3 writers often produce several events per save.
const debounce = 150 * time.Millisecond

// WatchTargets holds callbacks that fire when specific config files change.
type WatchTargets struct {
	// OnRedactionChange fires after redaction.yaml is written or created.
	// `opaudit redact add` from another shell reaches a running server
	// through this.
	OnRedactionChange func()
}

// handlers maps watched file names to their callbacks.
func (t WatchTargets) handlers() map[string]func() {
	h := make(map[string]func())
	if t.OnRedactionChange != nil {
		h[RedactionFile] = t.OnRedactionChange
	}
	return h
}

// Watcher runs WatchTargets callbacks when files in the config directory
// change. Bursts of events for one file collapse into a single call.
type Watcher struct {
	fs       *fsnotify.Watcher
	handlers map[string]func()

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	done    chan struct{}
}

// NewWatcher starts watching dir. The directory is watched rather than the
// files so that replace-on-save editors and first-time creation are seen.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fs:       fw,
		handlers: targets.handlers(),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go w.loop()

	slog.Info("config watcher started", "dir", dir, "files", len(w.handlers))
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.schedule(filepath.Base(ev.Name))

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// schedule (re)arms the debounce timer for name if it has a handler.
func (w *Watcher) schedule(name string) {
	fn, ok := w.handlers[name]
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[name]; ok {
		t.Reset(debounce)
		return
	}
	w.pending[name] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		slog.Info("config file changed", "file", name)
		fn()
	})
}

// Close stops the watcher and cancels pending callbacks. Safe to call
// more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for name, t := range w.pending {
		t.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()

	close(w.done)
	return w.fs.Close()
}
