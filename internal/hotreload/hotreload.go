// Package hotreload implements the Hot-Reload Watcher (C4): it observes the
// mudlib source tree, debounces rapid writes, and reports deletions and
// modifications to the caller's callbacks. The watcher itself never
// recompiles anything on a modification — it only reports which virtual
// path changed; the caller decides what that means (e.g. marking a
// blueprint stale until an operator runs the explicit reload command).
// Deletions are handled immediately, since an object whose source file is
// gone has no future generation to wait for.
//
// Grounded on teranos-QNTX/am.ConfigWatcher's debounced fsnotify loop:
// deletions and modifications go to separate callbacks. cmd/mudforged wires
// the deletion callback to drop the blueprint from the registry; live clones
// of that blueprint are not destroyed. Its modification callback only logs
// the changed path.
package hotreload

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jasona/mudforge-sub002/internal/logging"
)

// DeletionHandler is invoked (after debouncing) when a mudlib source file is
// removed or renamed away. virtualPath is the mudlib-absolute path with its
// extension stripped, matching the loader's blueprint key convention.
type DeletionHandler func(virtualPath string)

// ChangeObserver is invoked (after debouncing) on a modification. The
// watcher deliberately does not recompile anything itself — the caller
// decides, typically by flagging the blueprint stale until an operator
// runs the explicit reload command.
type ChangeObserver func(virtualPath string)

// Watcher observes a mudlib root directory tree for file changes.
type Watcher struct {
	root           string
	fsw            *fsnotify.Watcher
	debouncePeriod time.Duration
	onDelete       DeletionHandler
	onChange       ChangeObserver
	safelist       map[string]bool
	log            *logging.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer

	done chan struct{}
}

// New creates a Watcher rooted at root, recursively subscribing to every
// existing subdirectory. safelist names virtual paths (e.g. "/daemon/master")
// whose blueprints are never auto-destroyed even if their source file is
// deleted, protecting the driver from losing critical objects to an
// accidental `rm`.
func New(root string, onDelete DeletionHandler, onChange ChangeObserver, safelist []string, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:           filepath.Clean(root),
		fsw:            fsw,
		debouncePeriod: 500 * time.Millisecond,
		onDelete:       onDelete,
		onChange:       onChange,
		safelist:       make(map[string]bool, len(safelist)),
		log:            log,
		pending:        make(map[string]*time.Timer),
		done:           make(chan struct{}),
	}
	for _, p := range safelist {
		w.safelist[p] = true
	}

	if err := w.addTreeRecursive(w.root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTreeRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// Start begins the watch loop in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop halts the watch loop and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.With().WithError(err).Warn("hot-reload watcher error")
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
			return
		}
	}

	vpath := w.virtualPath(event.Name)
	if vpath == "" {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.debounce(vpath, func() { w.handleDeletion(vpath) })
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.debounce(vpath, func() {
			if w.onChange != nil {
				w.onChange(vpath)
			}
		})
	}
}

func (w *Watcher) handleDeletion(vpath string) {
	if w.safelist[vpath] {
		if w.log != nil {
			w.log.With().WithField("path", vpath).Warn("ignoring deletion of safelisted blueprint source")
		}
		return
	}
	if w.onDelete != nil {
		w.onDelete(vpath)
	}
}

// virtualPath converts an absolute filesystem path under root into a
// mudlib-absolute path with the file extension stripped.
func (w *Watcher) virtualPath(fsPath string) string {
	rel, err := filepath.Rel(w.root, fsPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return "/" + filepath.ToSlash(rel)
}

func (w *Watcher) debounce(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[key]; ok {
		t.Stop()
	}
	w.pending[key] = time.AfterFunc(w.debouncePeriod, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
		fn()
	})
}
