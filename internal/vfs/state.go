package vfs

import (
	"slices"
	"sort"
	"time"

	mfs "github.com/CageChen/vfshub/internal/fs"
)

// State is a point-in-time copy of everything a file explorer view shows.
type State struct {
	ClientID     string    `json:"client_id"`
	Root         *NodeView `json:"root"`
	SelectedPath string    `json:"selected_path,omitempty"`
	// Selected is nil while the selected path has not been loaded.
	Selected   *NodeView `json:"selected,omitempty"`
	Query      string    `json:"query,omitempty"`
	Matches    []string  `json:"matches"`
	Expanded   []string  `json:"expanded"`
	Refreshing []string  `json:"refreshing"`
}

// StateOptions control how much of the tree State copies.
type StateOptions struct {
	// Filtered limits the tree to matches of the current search and their
	// ancestors. It has no effect without a query.
	Filtered bool
	// MaxDepth bounds the copied tree; zero means unlimited.
	MaxDepth int
}

// State returns a copy of the store state.
func (s *Store) State(opts StateOptions) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	depth := opts.MaxDepth
	if depth <= 0 {
		depth = -1
	}
	v := viewer{s: s}
	if opts.Filtered && s.query != "" {
		v.include = func(n *Node) bool {
			_, ok := s.visible[n.Path]
			return ok
		}
	}

	st := &State{
		ClientID:     s.clientID,
		Root:         v.view(s.root, depth),
		SelectedPath: s.selected,
		Query:        s.query,
		Matches:      append([]string{}, s.matches...),
		Expanded:     sortedKeys(s.expanded),
		Refreshing:   make([]string, 0, len(s.refreshing)),
	}
	for p := range s.refreshing {
		st.Refreshing = append(st.Refreshing, p)
	}
	sort.Strings(st.Refreshing)

	if n := s.selectedNode(); n != nil {
		st.Selected = viewer{s: s}.view(n, 1)
	}
	return st, nil
}

// selectedNode must be called with s.mu held.
func (s *Store) selectedNode() *Node {
	if s.selected == "" {
		return nil
	}
	return s.attached(s.selected)
}

// attached returns the node at p when it is reachable from the root
// through loaded directories. Detached nodes waiting for their parent's
// listing are not part of the tree yet. s.mu must be held.
func (s *Store) attached(p string) *Node {
	n, ok := s.index[p]
	if !ok {
		return nil
	}
	for cur := n; cur != s.root; {
		parent, ok := s.index[mfs.Parent(cur.Path)]
		if !ok || !parent.loaded || !slices.Contains(parent.children, cur) {
			return nil
		}
		cur = parent
	}
	return n
}

// Selected returns the selected path and a copy of its node, which is nil
// while the path is not in the tree.
func (s *Store) Selected() (string, *NodeView) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.selectedNode()
	if n == nil {
		return s.selected, nil
	}
	return s.selected, viewer{s: s}.view(n, 1)
}

// Node returns a copy of the node at p with depth levels of children. ok is
// false when p is not in the tree.
func (s *Store) Node(p string, depth int) (*NodeView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.index[mfs.Clean(p)]
	if !ok {
		return nil, false
	}
	return viewer{s: s}.view(n, depth), true
}

// Matches returns the paths matching the current search.
func (s *Store) Matches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.matches...)
}

// RefreshingPaths returns the paths with a refresh in flight and when each
// started.
func (s *Store) RefreshingPaths() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.refreshing))
	for p, t := range s.refreshing {
		out[p] = t
	}
	return out
}

// NodeCount returns the number of nodes held, detached ones included.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
