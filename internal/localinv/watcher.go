package localinv

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const watcherBuffer = 64

// Watcher surfaces the local ID of any workspace whose metadata file is
// created or rewritten, feeding the service's on-change sync path.
// fsnotify does not watch recursively, so new workspace directories are
// added as they appear.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	changes chan string

	closeOnce sync.Once
	done      chan struct{}
}

func NewWatcher(root string) (*Watcher, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	root = filepath.Clean(root)
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(root); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			// Best effort; a directory that vanished mid-scan is fine.
			_ = fsWatcher.Add(filepath.Join(root, entry.Name()))
		}
	}
	w := &Watcher{
		root:    root,
		watcher: fsWatcher,
		changes: make(chan string, watcherBuffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Changes delivers workspace local IDs. The channel closes when the
// watcher closes or its event stream ends.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.changes)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == w.root {
				_ = w.watcher.Add(event.Name)
			}
			return
		}
	}
	if filepath.Base(event.Name) != MetadataFileName {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	localID := filepath.Base(filepath.Dir(event.Name))
	if localID == "." || localID == string(filepath.Separator) {
		return
	}
	select {
	case w.changes <- localID:
	case <-w.done:
	default:
	}
}
