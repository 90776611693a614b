package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(w *Watcher) <-chan Event {
	ch := make(chan Event, 64)
	w.OnChange(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch
}

func waitFor(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for watcher event")
			return Event{}
		}
	}
}

func TestWatcherReportsVFSPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0755))

	w, err := New(nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Add("local", mfs.NewLocalFS(dir)))
	events := collect(w)
	w.Start()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "hosts"), []byte("127.0.0.1"), 0644))

	e := waitFor(t, events, func(e Event) bool { return e.Path == "/etc/hosts" })
	assert.Equal(t, "local", e.ClientID)
	assert.Contains(t, []EventType{EventCreate, EventWrite}, e.Type)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()

	w, err := New(nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Add("local", mfs.NewLocalFS(dir)))
	events := collect(w)
	w.Start()

	require.NoError(t, os.Mkdir(filepath.Join(dir, "var"), 0755))
	waitFor(t, events, func(e Event) bool { return e.Path == "/var" && e.Type == EventCreate })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "var", "log"), []byte("x"), 0644))
	waitFor(t, events, func(e Event) bool { return e.Path == "/var/log" })
}

func TestWatcherSkipsExcluded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cache"), 0755))

	w, err := New(func(clientID, p string) bool {
		return p == "/cache" || filepath.Ext(p) == ".tmp"
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Add("local", mfs.NewLocalFS(dir)))
	events := collect(w)
	w.Start()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache", "blob"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept"), []byte("x"), 0644))

	e := waitFor(t, events, func(e Event) bool { return e.Path == "/kept" })
	assert.Equal(t, "local", e.ClientID)
	for {
		select {
		case e := <-events:
			assert.Equal(t, "/kept", e.Path)
		default:
			return
		}
	}
}

func TestWatcherRemove(t *testing.T) {
	dir := t.TempDir()

	w, err := New(nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Add("a", mfs.NewLocalFS(dir)))
	require.NoError(t, w.Add("b", mfs.NewLocalFS(dir)))
	assert.Equal(t, []string{"a", "b"}, w.Clients())

	w.Remove("a")
	w.Remove("missing")
	assert.Equal(t, []string{"b"}, w.Clients())

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "create", EventCreate.String())
	assert.Equal(t, "rename", EventRename.String())
	assert.Equal(t, "unknown", EventType(42).String())
}
