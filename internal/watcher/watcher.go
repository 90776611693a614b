// Package watcher monitors the directories behind local clients and reports
// changes as VFS paths.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/CageChen/vfshub/internal/logging"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventType represents the type of file system event
type EventType int

// File system event types.
const (
	EventCreate EventType = iota
	EventWrite
	EventRemove
	EventRename
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventWrite:
		return "write"
	case EventRemove:
		return "remove"
	case EventRename:
		return "rename"
	}
	return "unknown"
}

// Event is a change under a watched client, addressed by VFS path.
type Event struct {
	ClientID string
	Type     EventType
	Path     string
}

// Callback is a function called when file changes occur
type Callback func(Event)

// ExcludeFunc reports whether a client's VFS path is ignored.
type ExcludeFunc func(clientID, vfsPath string) bool

type root struct {
	fsys    *mfs.LocalFS
	watched []string
}

// Watcher monitors local client directories.
type Watcher struct {
	watcher  *fsnotify.Watcher
	excluded ExcludeFunc

	mu        sync.RWMutex
	roots     map[string]*root
	callbacks []Callback
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates a new file system watcher. excluded may be nil.
func New(excluded ExcludeFunc) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if excluded == nil {
		excluded = func(string, string) bool { return false }
	}
	return &Watcher{
		watcher:  w,
		excluded: excluded,
		roots:    make(map[string]*root),
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers a callback for file change events
func (w *Watcher) OnChange(cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Add watches every non-excluded directory under the client's root,
// replacing an earlier watch of the same client.
func (w *Watcher) Add(clientID string, fsys *mfs.LocalFS) error {
	w.Remove(clientID)

	r := &root{fsys: fsys}
	err := filepath.WalkDir(fsys.Root(), func(local string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p, ok := fsys.VFSPath(local); ok && p != "/" && w.excluded(clientID, p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(local); err != nil {
			logging.Warn("cannot watch directory", zap.String("dir", local), zap.Error(err))
			return nil
		}
		r.watched = append(r.watched, local)
		return nil
	})
	if err != nil {
		w.mu.Lock()
		w.unwatch(r)
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.roots[clientID] = r
	w.mu.Unlock()
	logging.Info("watching client", zap.String("client", clientID),
		zap.String("root", fsys.Root()), zap.Int("dirs", len(r.watched)))
	return nil
}

// Remove stops watching a client. It is a no-op for unknown clients.
func (w *Watcher) Remove(clientID string) {
	w.mu.Lock()
	r, ok := w.roots[clientID]
	delete(w.roots, clientID)
	if ok {
		w.unwatch(r)
	}
	w.mu.Unlock()
}

// unwatch drops the directories of r that no other root still watches. It
// must be called with w.mu held.
func (w *Watcher) unwatch(r *root) {
	shared := make(map[string]bool)
	for _, other := range w.roots {
		for _, dir := range other.watched {
			shared[dir] = true
		}
	}
	for _, dir := range r.watched {
		if !shared[dir] {
			_ = w.watcher.Remove(dir)
		}
	}
}

// Clients returns the IDs of the watched clients.
func (w *Watcher) Clients() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.roots))
	for id := range w.roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start begins delivering events.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	var eventType EventType
	switch {
	case event.Has(fsnotify.Create):
		eventType = EventCreate
	case event.Has(fsnotify.Write):
		eventType = EventWrite
	case event.Has(fsnotify.Remove):
		eventType = EventRemove
	case event.Has(fsnotify.Rename):
		eventType = EventRename
	default:
		return
	}

	w.mu.Lock()
	var events []Event
	for id, r := range w.roots {
		p, ok := r.fsys.VFSPath(event.Name)
		if !ok || w.excluded(id, p) {
			continue
		}
		if eventType == EventCreate && isDir(event.Name) {
			// New directories are watched too.
			if err := w.watcher.Add(event.Name); err == nil {
				r.watched = append(r.watched, event.Name)
			}
		}
		events = append(events, Event{ClientID: id, Type: eventType, Path: p})
	}
	callbacks := make([]Callback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, e := range events {
		logging.Debug("file changed", zap.String("client", e.ClientID),
			zap.String("path", e.Path), zap.Stringer("op", e.Type))
		for _, cb := range callbacks {
			cb(e)
		}
	}
}

func isDir(local string) bool {
	info, err := os.Stat(local)
	if err != nil {
		return false
	}
	return info.IsDir()
}
