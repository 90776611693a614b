// Package vfs holds the lazily loaded file tree of a managed client: which
// directories have been fetched, what is selected, what matches the current
// search, and which paths are being refreshed.
package vfs

import (
	"os"
	"sort"
	"strings"

	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/dustin/go-humanize"
)

// Node is a file or directory in a client tree. A directory's children are
// nil until its listing has been fetched; after that they are the complete
// listing as of the last fetch, possibly empty.
type Node struct {
	mfs.Entry
	children []*Node
	loaded   bool
}

func newNode(e mfs.Entry) *Node {
	// Files have nothing to fetch.
	return &Node{Entry: e, loaded: !e.IsDir}
}

func newDirNode(p string) *Node {
	return &Node{Entry: mfs.Entry{
		Path:  p,
		Name:  mfs.Base(p),
		IsDir: true,
		Mode:  uint32(os.ModeDir),
	}}
}

// sortNodes orders directories first, then names case-insensitively.
func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		li, lj := strings.ToLower(nodes[i].Name), strings.ToLower(nodes[j].Name)
		if li != lj {
			return li < lj
		}
		return nodes[i].Name < nodes[j].Name
	})
}

// NodeView is a read-only copy of a node handed to callers.
type NodeView struct {
	mfs.Entry
	HumanSize  string      `json:"human_size,omitempty"`
	ModeString string      `json:"mode_string"`
	Loaded     bool        `json:"loaded"`
	Expanded   bool        `json:"expanded,omitempty"`
	Refreshing bool        `json:"refreshing,omitempty"`
	Match      bool        `json:"match,omitempty"`
	Children   []*NodeView `json:"children"`
}

// viewer copies nodes under the store lock.
type viewer struct {
	s       *Store
	include func(*Node) bool
}

// view copies n and its loaded descendants down to depth levels; a
// negative depth copies everything.
func (v viewer) view(n *Node, depth int) *NodeView {
	out := &NodeView{
		Entry:      n.Entry,
		ModeString: os.FileMode(n.Mode).String(),
		Loaded:     n.loaded,
	}
	if n.Hash != nil {
		h := *n.Hash
		out.Hash = &h
	}
	if !n.IsDir {
		out.HumanSize = humanize.IBytes(uint64(max(n.Size, 0)))
	}
	_, out.Expanded = v.s.expanded[n.Path]
	_, out.Refreshing = v.s.refreshing[n.Path]
	_, out.Match = v.s.matchSet[n.Path]

	if n.IsDir && n.loaded && depth != 0 {
		out.Children = make([]*NodeView, 0, len(n.children))
		for _, c := range n.children {
			if v.include != nil && !v.include(c) {
				continue
			}
			out.Children = append(out.Children, v.view(c, depth-1))
		}
	}
	return out
}

// Walk visits v and its copied descendants depth first.
func (v *NodeView) Walk(fn func(*NodeView) bool) {
	if !fn(v) {
		return
	}
	for _, c := range v.Children {
		c.Walk(fn)
	}
}
