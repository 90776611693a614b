package vfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/CageChen/vfshub/internal/logging"
	"github.com/CageChen/vfshub/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("vfs store is closed")
	// ErrRefreshInProgress is returned when a path is already being refreshed.
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

// Options tune a Store.
type Options struct {
	// Filter hides entries for which it returns false.
	Filter func(mfs.Entry) bool
	// EventBuffer is the channel capacity of each subscriber.
	EventBuffer int
	// RefreshParallelism bounds concurrent reloads of a refreshed subtree.
	RefreshParallelism int
	// LoadTimeout bounds one shared listing fetch. Callers waiting on it
	// give up on their own context sooner.
	LoadTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.RefreshParallelism <= 0 {
		o.RefreshParallelism = 4
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 2 * time.Minute
	}
}

// Store is the in-memory tree of one managed client. Listings are fetched
// on demand and merged into the tree in place.
type Store struct {
	clientID string
	fsys     mfs.FileSystem
	opts     Options
	loads    singleflight.Group

	mu       sync.RWMutex
	root     *Node
	index    map[string]*Node
	expanded map[string]struct{}
	// refreshing maps a path to the time its refresh started.
	refreshing map[string]time.Time
	selected   string
	query      string
	matches    []string
	matchSet   map[string]struct{}
	visible    map[string]struct{}
	subs       map[int]chan Event
	nextSub    int
	closed     bool
}

// NewStore creates a store whose tree holds only an unloaded root.
func NewStore(clientID string, fsys mfs.FileSystem, opts Options) *Store {
	opts.setDefaults()
	root := newDirNode("/")
	return &Store{
		clientID:   clientID,
		fsys:       fsys,
		opts:       opts,
		root:       root,
		index:      map[string]*Node{"/": root},
		expanded:   make(map[string]struct{}),
		refreshing: make(map[string]time.Time),
		matchSet:   make(map[string]struct{}),
		visible:    make(map[string]struct{}),
		subs:       make(map[int]chan Event),
	}
}

// ClientID returns the managed client this store belongs to.
func (s *Store) ClientID() string {
	return s.clientID
}

// FileSystem returns the source the store loads from.
func (s *Store) FileSystem() mfs.FileSystem {
	return s.fsys
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Load fetches the listing of dir and merges it. Concurrent loads of the
// same directory share one fetch, which outlives any single caller's
// cancellation.
func (s *Store) Load(ctx context.Context, dir string) error {
	dir = mfs.Clean(dir)
	if err := s.checkOpen(); err != nil {
		return err
	}

	ch := s.loads.DoChan(dir, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LoadTimeout)
		defer cancel()
		start := time.Now()
		entries, err := s.fsys.ReadDir(fctx, dir)
		metrics.RecordListing(time.Since(start), err)
		if err != nil {
			return nil, err
		}
		return nil, s.merge(dir, entries)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil && !errors.Is(res.Err, ErrClosed) {
			logging.Debug("listing failed",
				zap.String("client", s.clientID), zap.String("path", dir), zap.Error(res.Err))
			s.mu.Lock()
			s.emit(EventError, dir, res.Err)
			s.mu.Unlock()
		}
		return res.Err
	}
}

// merge replaces the children of dir with entries. Nodes that survive keep
// their loaded subtrees. A listing that reports dir itself as a file stores
// it as a leaf; a known file is only turned back into a directory by its
// parent's listing.
func (s *Store) merge(dir string, entries []mfs.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	node := s.ensure(dir)
	if self, ok := selfEntry(dir, entries); ok {
		self.Path = dir
		self.Name = mfs.Base(dir)
		node.Entry = self
		s.makeLeaf(node)
	}
	if !node.IsDir {
		s.recompute()
		s.emit(EventListing, dir, nil)
		return nil
	}

	seen := make(map[string]struct{}, len(entries))
	children := make([]*Node, 0, len(entries))
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = mfs.Base(e.Path)
		}
		if name == "" || name == "." || name == ".." || name == "/" || strings.Contains(name, "/") {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		e.Name = name
		e.Path = mfs.Join(dir, name)
		if s.opts.Filter != nil && !s.opts.Filter(e) {
			continue
		}
		seen[name] = struct{}{}

		child, ok := s.index[e.Path]
		if !ok {
			child = newNode(e)
			s.index[e.Path] = child
		} else {
			wasDir := child.IsDir
			child.Entry = e
			if wasDir && !e.IsDir {
				s.makeLeaf(child)
			} else if !wasDir && e.IsDir {
				child.loaded = false
			}
		}
		children = append(children, child)
	}

	for _, old := range node.children {
		if _, ok := seen[old.Name]; !ok {
			s.dropDescendants(old.Path)
			delete(s.index, old.Path)
			delete(s.expanded, old.Path)
		}
	}

	sortNodes(children)
	node.children = children
	node.loaded = true

	s.recompute()
	s.emit(EventListing, dir, nil)
	return nil
}

// ensure returns the node at p, creating unloaded directories for it and
// any missing ancestors. A created node is attached to its parent only when
// the parent is loaded; otherwise it stays detached until the parent's
// listing arrives and adopts it.
func (s *Store) ensure(p string) *Node {
	if n, ok := s.index[p]; ok {
		return n
	}
	parent := s.ensure(mfs.Parent(p))
	n := newDirNode(p)
	s.index[p] = n
	if parent.loaded {
		parent.children = append(parent.children, n)
		sortNodes(parent.children)
	}
	return n
}

// selfEntry returns the entry of a listing that reports dir itself as a
// file.
func selfEntry(dir string, entries []mfs.Entry) (mfs.Entry, bool) {
	if dir == "/" || len(entries) != 1 {
		return mfs.Entry{}, false
	}
	e := entries[0]
	if e.IsDir || mfs.Clean(e.Path) != dir {
		return mfs.Entry{}, false
	}
	return e, true
}

// makeLeaf turns n into a file node without children.
func (s *Store) makeLeaf(n *Node) {
	s.dropDescendants(n.Path)
	delete(s.expanded, n.Path)
	n.IsDir = false
	n.children = nil
	n.loaded = true
}

// dropDescendants forgets every node strictly beneath p.
func (s *Store) dropDescendants(p string) {
	for k := range s.index {
		if k != p && mfs.IsWithin(k, p) {
			delete(s.index, k)
		}
	}
	for k := range s.expanded {
		if k != p && mfs.IsWithin(k, p) {
			delete(s.expanded, k)
		}
	}
}

// ensureLoaded loads every unloaded directory from the root down to p.
func (s *Store) ensureLoaded(ctx context.Context, p string) error {
	for _, dir := range mfs.Ancestors(p) {
		s.mu.RLock()
		n, ok := s.index[dir]
		var parentLoaded bool
		if !ok {
			if parent, pok := s.index[mfs.Parent(dir)]; pok {
				parentLoaded = parent.loaded
			}
		}
		s.mu.RUnlock()

		switch {
		case ok && (!n.IsDir || n.loaded):
			if !n.IsDir && dir != p {
				return fmt.Errorf("%s: not a directory", dir)
			}
			continue
		case !ok && parentLoaded:
			return fmt.Errorf("%s: %w", dir, mfs.ErrNotExist)
		}
		if err := s.Load(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// Expand marks p expanded and loads it together with its ancestors.
func (s *Store) Expand(ctx context.Context, p string) error {
	p = mfs.Clean(p)
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.ensureLoaded(ctx, p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, dir := range mfs.Ancestors(p) {
		if n, ok := s.index[dir]; ok && n.IsDir {
			s.expanded[dir] = struct{}{}
		}
	}
	s.emit(EventExpand, p, nil)
	return nil
}

// Collapse removes p from the expanded set. Loaded children are kept.
func (s *Store) Collapse(p string) error {
	p = mfs.Clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.expanded[p]; !ok {
		return nil
	}
	delete(s.expanded, p)
	s.emit(EventCollapse, p, nil)
	return nil
}

// Select makes p the selected path and loads what is needed to show it.
// The selection holds even if loading fails; the selected node stays nil
// until p appears in the tree.
func (s *Store) Select(ctx context.Context, p string) error {
	p = mfs.Clean(p)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.selected = p
	s.emit(EventSelect, p, nil)
	s.mu.Unlock()

	return s.ensureLoaded(ctx, p)
}

// Invalidate reloads dir if its listing has been fetched before.
func (s *Store) Invalidate(ctx context.Context, dir string) error {
	dir = mfs.Clean(dir)
	s.mu.RLock()
	n, ok := s.index[dir]
	loaded := ok && n.IsDir && n.loaded
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !loaded {
		return nil
	}
	s.loads.Forget(dir)
	return s.Load(ctx, dir)
}

// Refresh has the source re-collect p, then reloads p and its already
// loaded descendants down to maxDepth levels. p is in the refreshing set
// for the whole operation and leaves it exactly once, whatever the outcome.
func (s *Store) Refresh(ctx context.Context, p string, maxDepth int) error {
	done, err := s.StartRefresh(ctx, p, maxDepth)
	if err != nil {
		return err
	}
	return <-done
}

// StartRefresh is Refresh without waiting. p is in the refreshing set when
// it returns; the result is sent on the returned channel, which is then
// closed.
func (s *Store) StartRefresh(ctx context.Context, p string, maxDepth int) (<-chan error, error) {
	p = mfs.Clean(p)
	if maxDepth <= 0 {
		maxDepth = 1
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := s.refreshing[p]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRefreshInProgress, p)
	}
	start := time.Now()
	s.refreshing[p] = start
	s.emit(EventRefreshStarted, p, nil)
	s.mu.Unlock()
	metrics.RefreshStarted()

	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- s.runRefresh(ctx, p, maxDepth, start)
	}()
	return done, nil
}

func (s *Store) runRefresh(ctx context.Context, p string, maxDepth int, start time.Time) error {
	err := s.fsys.Refresh(ctx, p, maxDepth)
	if err == nil {
		err = s.reload(ctx, p, maxDepth)
	}

	s.mu.Lock()
	delete(s.refreshing, p)
	if !s.closed {
		s.emit(EventRefreshFinished, p, err)
	}
	s.mu.Unlock()
	metrics.RefreshFinished(time.Since(start), err)

	if err != nil {
		logging.Warn("refresh failed",
			zap.String("client", s.clientID), zap.String("path", p), zap.Error(err))
	} else {
		logging.Debug("refresh finished",
			zap.String("client", s.clientID), zap.String("path", p), zap.Duration("took", time.Since(start)))
	}
	return err
}

// reload fetches p again, bypassing any listing that started before the
// refresh, and descends into children that were loaded.
func (s *Store) reload(ctx context.Context, p string, depth int) error {
	s.mu.RLock()
	n, ok := s.index[p]
	isFile := ok && !n.IsDir
	s.mu.RUnlock()
	if isFile {
		// A file's stat lives in its parent's listing.
		p = mfs.Parent(p)
	}

	s.loads.Forget(p)
	if err := s.Load(ctx, p); err != nil {
		return err
	}
	if depth <= 1 {
		return nil
	}

	s.mu.RLock()
	var dirs []string
	if n, ok := s.index[p]; ok {
		for _, c := range n.children {
			if c.IsDir && c.loaded {
				dirs = append(dirs, c.Path)
			}
		}
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.RefreshParallelism)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			return s.reload(gctx, dir, depth-1)
		})
	}
	return g.Wait()
}

// Search sets the search query and returns the matching paths. An empty
// query clears the search.
func (s *Store) Search(query string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.query = strings.TrimSpace(query)
	s.recompute()
	s.emit(EventSearch, s.query, nil)
	return append([]string(nil), s.matches...), nil
}

// IsRefreshing reports whether p has a refresh in flight.
func (s *Store) IsRefreshing(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.refreshing[mfs.Clean(p)]
	return ok
}

// Close tears the store down. Subscribers get a final closed event.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emit(EventClosed, "", nil)
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// recompute derives search matches and the visible set from the tree. It
// must be called with s.mu held for writing.
func (s *Store) recompute() {
	s.matches = s.matches[:0]
	clear(s.matchSet)
	clear(s.visible)

	if s.query != "" {
		m := newMatcher(s.query)
		s.walk(s.root, func(n *Node) {
			if n != s.root && m.match(n.Name) {
				s.matches = append(s.matches, n.Path)
				s.matchSet[n.Path] = struct{}{}
				for _, a := range mfs.Ancestors(n.Path) {
					s.visible[a] = struct{}{}
				}
			}
		})
	}
	metrics.SetTreeNodes(s.clientID, len(s.index))
}

// walk visits the nodes reachable from n in display order.
func (s *Store) walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		s.walk(c, fn)
	}
}
