// Package fs provides the VFS sources a client tree can be loaded from: the
// remote-management backend, a local directory, or a git snapshot.
package fs

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ErrNotExist is returned when a path is unknown to the source.
var ErrNotExist = errors.New("vfs path does not exist")

// Hash holds the optional content digests collected for a file.
type Hash struct {
	SHA256 string `json:"sha256,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	MD5    string `json:"md5,omitempty"`
}

// Entry holds the stat metadata of a single file or directory.
type Entry struct {
	Path          string    `json:"path"`
	Name          string    `json:"name"`
	IsDir         bool      `json:"is_directory"`
	Size          int64     `json:"size"`
	Mode          uint32    `json:"mode"`
	ATime         time.Time `json:"atime,omitempty"`
	MTime         time.Time `json:"mtime,omitempty"`
	CTime         time.Time `json:"ctime,omitempty"`
	BTime         time.Time `json:"btime,omitempty"`
	Hash          *Hash     `json:"hash,omitempty"`
	LastCollected time.Time `json:"last_collected,omitempty"`
}

// FileSystem abstracts a client VFS so the tree store can work with a
// remote backend, the local filesystem, or a git object database.
type FileSystem interface {
	// ReadDir lists the immediate children of the directory at path.
	ReadDir(ctx context.Context, path string) ([]Entry, error)
	Stat(ctx context.Context, path string) (Entry, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Refresh re-collects path down to maxDepth levels and returns once the
	// new data is readable.
	Refresh(ctx context.Context, path string, maxDepth int) error
}

// Clean normalizes a VFS path: absolute, slash separated, no trailing slash.
func Clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// Join builds a child path from a parent path and a name.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Parent returns the directory containing p. The parent of "/" is "/".
func Parent(p string) string {
	return path.Dir(Clean(p))
}

// Base returns the last element of p, or "/" for the root.
func Base(p string) string {
	return path.Base(Clean(p))
}

// Ancestors returns every directory from "/" down to p, inclusive.
func Ancestors(p string) []string {
	p = Clean(p)
	if p == "/" {
		return []string{"/"}
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	out := make([]string, 0, len(parts)+1)
	out = append(out, "/")
	cur := "/"
	for _, part := range parts {
		cur = Join(cur, part)
		out = append(out, cur)
	}
	return out
}

// IsWithin reports whether p is root or lies beneath it.
func IsWithin(p, root string) bool {
	p, root = Clean(p), Clean(root)
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// Relative strips the leading slash for sources that address paths
// relative to a root.
func Relative(p string) string {
	return strings.TrimPrefix(Clean(p), "/")
}
