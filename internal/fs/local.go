package fs

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalFS implements FileSystem over a local directory, presenting it as a
// client VFS rooted at "/".
type LocalFS struct {
	root string
}

// NewLocalFS creates a LocalFS rooted at the given directory.
func NewLocalFS(root string) *LocalFS {
	return &LocalFS{root: filepath.Clean(root)}
}

// Root returns the local directory backing "/".
func (l *LocalFS) Root() string {
	return l.root
}

func (l *LocalFS) abs(path string) string {
	rel := Relative(path)
	if rel == "" {
		return l.root
	}
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

// VFSPath maps an absolute local path back to its VFS path. ok is false
// when local lies outside the root.
func (l *LocalFS) VFSPath(local string) (string, bool) {
	rel, err := filepath.Rel(l.root, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return Clean(filepath.ToSlash(rel)), true
}

// ReadFile reads the contents of the file at the given VFS path.
func (l *LocalFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.abs(path))
	return data, mapLocalErr(err)
}

// Stat returns metadata for the file or directory at the given VFS path.
func (l *LocalFS) Stat(ctx context.Context, path string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	info, err := os.Lstat(l.abs(path))
	if err != nil {
		return Entry{}, mapLocalErr(err)
	}
	return entryFromInfo(Clean(path), info), nil
}

// ReadDir lists the immediate children of the directory at the given VFS path.
func (l *LocalFS) ReadDir(ctx context.Context, path string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(l.abs(path))
	if err != nil {
		return nil, mapLocalErr(err)
	}
	parent := Clean(path)
	result := make([]Entry, 0, len(dirEntries))
	for _, e := range dirEntries {
		info, err := e.Info()
		if err != nil {
			// Removed between the listing and the stat.
			continue
		}
		result = append(result, entryFromInfo(Join(parent, e.Name()), info))
	}
	return result, nil
}

// Refresh re-stats the directory. Local data is always current, so there
// is nothing to collect.
func (l *LocalFS) Refresh(ctx context.Context, path string, _ int) error {
	_, err := l.Stat(ctx, path)
	return err
}

func entryFromInfo(path string, info iofs.FileInfo) Entry {
	return Entry{
		Path:          path,
		Name:          Base(path),
		IsDir:         info.IsDir(),
		Size:          info.Size(),
		Mode:          uint32(info.Mode()),
		MTime:         info.ModTime(),
		LastCollected: time.Now(),
	}
}

func mapLocalErr(err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return ErrNotExist
	}
	return err
}
