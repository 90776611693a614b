package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "/", Clean(""))
	assert.Equal(t, "/etc", Clean("etc/"))
	assert.Equal(t, "/", Clean("/../.."))
	assert.Equal(t, "/a/b", Clean(`a\b`))

	assert.Equal(t, "/etc", Join("/", "etc"))
	assert.Equal(t, "/etc/hosts", Join("/etc", "hosts"))

	assert.Equal(t, "/", Parent("/etc"))
	assert.Equal(t, "/etc", Parent("/etc/hosts"))
	assert.Equal(t, "/", Parent("/"))

	assert.Equal(t, []string{"/"}, Ancestors("/"))
	assert.Equal(t, []string{"/", "/a", "/a/b"}, Ancestors("/a/b"))

	assert.True(t, IsWithin("/a/b", "/a"))
	assert.True(t, IsWithin("/a", "/"))
	assert.False(t, IsWithin("/ab", "/a"))
}

func TestLocalFS(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "var", "log"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "var", "log", "syslog"), []byte("boot"), 0o600))

	l := NewLocalFS(root)
	ctx := context.Background()

	entries, err := l.ReadDir(ctx, "/var")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/var/log", entries[0].Path)
	assert.True(t, entries[0].IsDir)

	info, err := l.Stat(ctx, "/var/log/syslog")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	assert.Equal(t, os.FileMode(0o600), os.FileMode(info.Mode).Perm())

	data, err := l.ReadFile(ctx, "/var/log/syslog")
	require.NoError(t, err)
	assert.Equal(t, "boot", string(data))

	_, err = l.ReadDir(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNotExist)
	assert.ErrorIs(t, l.Refresh(ctx, "/missing", 1), ErrNotExist)
}

func TestLocalFS_VFSPath(t *testing.T) {
	root := t.TempDir()
	l := NewLocalFS(root)

	p, ok := l.VFSPath(filepath.Join(root, "a", "b"))
	require.True(t, ok)
	assert.Equal(t, "/a/b", p)

	p, ok = l.VFSPath(root)
	require.True(t, ok)
	assert.Equal(t, "/", p)

	_, ok = l.VFSPath(filepath.Dir(root))
	assert.False(t, ok)
}
