package vfs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFS struct {
	mu          sync.Mutex
	dirs        map[string][]mfs.Entry
	calls       map[string]int
	gate        chan struct{}
	refreshGate chan struct{}
	refreshErr  error
	refreshed   []string
}

func dirEntry(p string) mfs.Entry {
	return mfs.Entry{Path: p, Name: mfs.Base(p), IsDir: true}
}

func fileEntry(p string, size int64) mfs.Entry {
	return mfs.Entry{Path: p, Name: mfs.Base(p), Size: size, Mode: 0o644}
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		calls: make(map[string]int),
		dirs: map[string][]mfs.Entry{
			"/": {fileEntry("/README", 10), dirEntry("/var"), dirEntry("/etc")},
			"/etc": {
				fileEntry("/etc/passwd", 1200),
				fileEntry("/etc/hosts", 80),
				dirEntry("/etc/ssh"),
			},
			"/etc/ssh": {fileEntry("/etc/ssh/sshd_config", 3000)},
			"/var":     {},
		},
	}
}

func (f *fakeFS) set(dir string, entries ...mfs.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[dir] = entries
}

func (f *fakeFS) remove(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dirs, dir)
}

func (f *fakeFS) callCount(dir string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[dir]
}

func (f *fakeFS) ReadDir(ctx context.Context, p string) ([]mfs.Entry, error) {
	f.mu.Lock()
	f.calls[p]++
	gate := f.gate
	entries, ok := f.dirs[p]
	entries = append([]mfs.Entry(nil), entries...)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, mfs.ErrNotExist
	}
	return entries, nil
}

func (f *fakeFS) Stat(ctx context.Context, p string) (mfs.Entry, error) {
	return mfs.Entry{}, errors.New("not used")
}

func (f *fakeFS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakeFS) Refresh(ctx context.Context, p string, maxDepth int) error {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, p)
	gate := f.refreshGate
	err := f.refreshErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func newTestStore(t *testing.T, fsys *fakeFS) *Store {
	t.Helper()
	s := NewStore("C.1000", fsys, Options{})
	t.Cleanup(s.Close)
	return s
}

func childNames(v *NodeView) []string {
	names := make([]string, 0, len(v.Children))
	for _, c := range v.Children {
		names = append(names, c.Name)
	}
	return names
}

func TestNewStoreHasUnloadedRoot(t *testing.T) {
	s := newTestStore(t, newFakeFS())

	st, err := s.State(StateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/", st.Root.Path)
	assert.True(t, st.Root.IsDir)
	assert.False(t, st.Root.Loaded)
	assert.Nil(t, st.Root.Children)
	assert.Equal(t, 1, s.NodeCount())
}

func TestExpandLoadsAncestors(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	require.NoError(t, s.Expand(ctx, "/etc/ssh"))
	assert.Equal(t, 1, fsys.callCount("/"))
	assert.Equal(t, 1, fsys.callCount("/etc"))
	assert.Equal(t, 1, fsys.callCount("/etc/ssh"))

	// Already loaded, nothing to fetch.
	require.NoError(t, s.Expand(ctx, "/etc"))
	assert.Equal(t, 1, fsys.callCount("/etc"))

	st, err := s.State(StateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/etc", "/etc/ssh"}, st.Expanded)
	assert.Equal(t, []string{"etc", "var", "README"}, childNames(st.Root))

	etc, ok := s.Node("/etc", 1)
	require.True(t, ok)
	assert.Equal(t, []string{"ssh", "hosts", "passwd"}, childNames(etc))
	assert.True(t, etc.Expanded)

	require.NoError(t, s.Collapse("/etc"))
	etc, _ = s.Node("/etc", 1)
	assert.False(t, etc.Expanded)
	assert.True(t, etc.Loaded)
}

func TestLoadedEmptyDiffersFromUnloaded(t *testing.T) {
	s := newTestStore(t, newFakeFS())
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, "/"))
	v, ok := s.Node("/var", 1)
	require.True(t, ok)
	assert.False(t, v.Loaded)
	assert.Nil(t, v.Children)

	require.NoError(t, s.Load(ctx, "/var"))
	v, _ = s.Node("/var", 1)
	assert.True(t, v.Loaded)
	assert.NotNil(t, v.Children)
	assert.Empty(t, v.Children)

	f, _ := s.Node("/README", 1)
	assert.True(t, f.Loaded)
	assert.Equal(t, "10 B", f.HumanSize)
	assert.Equal(t, "-rw-r--r--", f.ModeString)
}

func TestMergeKeepsLoadedSubtrees(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	require.NoError(t, s.Expand(ctx, "/etc/ssh"))

	fsys.set("/", dirEntry("/etc"), dirEntry("/opt"))
	require.NoError(t, s.Load(ctx, "/"))

	root, _ := s.Node("/", 1)
	assert.Equal(t, []string{"etc", "opt"}, childNames(root))

	ssh, ok := s.Node("/etc/ssh", 1)
	require.True(t, ok)
	assert.True(t, ssh.Loaded)
	assert.Equal(t, []string{"sshd_config"}, childNames(ssh))

	_, ok = s.Node("/var", 0)
	assert.False(t, ok, "entries missing from the new listing are dropped")
	opt, _ := s.Node("/opt", 0)
	assert.False(t, opt.Loaded)
}

func TestRemovedDirectoryDropsDescendants(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	require.NoError(t, s.Select(ctx, "/etc/ssh/sshd_config"))
	_, sel := s.Selected()
	require.NotNil(t, sel)
	assert.Equal(t, int64(3000), sel.Size)

	fsys.set("/etc", fileEntry("/etc/hosts", 80))
	require.NoError(t, s.Load(ctx, "/etc"))

	_, ok := s.Node("/etc/ssh/sshd_config", 0)
	assert.False(t, ok)
	p, sel := s.Selected()
	assert.Equal(t, "/etc/ssh/sshd_config", p)
	assert.Nil(t, sel)
}

func TestDirectoryTurnedFileLosesChildren(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	require.NoError(t, s.Expand(ctx, "/etc/ssh"))
	fsys.set("/etc", fileEntry("/etc/ssh", 5))
	require.NoError(t, s.Load(ctx, "/etc"))

	ssh, ok := s.Node("/etc/ssh", -1)
	require.True(t, ok)
	assert.False(t, ssh.IsDir)
	assert.Nil(t, ssh.Children)
	_, ok = s.Node("/etc/ssh/sshd_config", 0)
	assert.False(t, ok)
}

func TestListingOfFileKeepsLeaf(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	require.NoError(t, s.Expand(ctx, "/etc"))
	fsys.set("/etc/hosts", fileEntry("/etc/hosts", 96))
	require.NoError(t, s.Load(ctx, "/etc/hosts"))

	hosts, ok := s.Node("/etc/hosts", -1)
	require.True(t, ok)
	assert.False(t, hosts.IsDir)
	assert.True(t, hosts.Loaded)
	assert.Nil(t, hosts.Children)
	assert.Equal(t, int64(96), hosts.Size)
	_, ok = s.Node("/etc/hosts/hosts", 0)
	assert.False(t, ok)

	// A file listed again with unrelated entries stays a leaf too.
	fsys.set("/etc/hosts", fileEntry("/etc/hosts/a", 1), dirEntry("/etc/hosts/b"))
	require.NoError(t, s.Load(ctx, "/etc/hosts"))
	hosts, _ = s.Node("/etc/hosts", -1)
	assert.False(t, hosts.IsDir)
	assert.Nil(t, hosts.Children)
}

func TestListingOfUnknownFileStoresLeaf(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	fsys.set("/etc/motd", fileEntry("/etc/motd", 7))
	require.NoError(t, s.Load(ctx, "/etc/motd"))
	require.NoError(t, s.Load(ctx, "/"))
	fsys.set("/etc", fileEntry("/etc/motd", 7))
	require.NoError(t, s.Load(ctx, "/etc"))

	motd, ok := s.Node("/etc/motd", 1)
	require.True(t, ok)
	assert.False(t, motd.IsDir)
	assert.Equal(t, int64(7), motd.Size)
	assert.Nil(t, motd.Children)
}

func TestDroppedDirectoriesLeaveExpandedSet(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	require.NoError(t, s.Expand(ctx, "/etc/ssh"))
	fsys.set("/", dirEntry("/var"), fileEntry("/etc", 4))
	require.NoError(t, s.Load(ctx, "/"))

	st, err := s.State(StateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, st.Expanded)

	require.NoError(t, s.Expand(ctx, "/var"))
	fsys.set("/", fileEntry("/README", 10))
	require.NoError(t, s.Load(ctx, "/"))
	st, _ = s.State(StateOptions{})
	assert.Equal(t, []string{"/"}, st.Expanded)
}

func TestSelectBeforeLoad(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)

	fsys.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- s.Select(context.Background(), "/etc/hosts") }()

	require.Eventually(t, func() bool { return fsys.callCount("/") == 1 }, time.Second, time.Millisecond)
	p, sel := s.Selected()
	assert.Equal(t, "/etc/hosts", p)
	assert.Nil(t, sel, "selected node is nil until the path is loaded")

	close(fsys.gate)
	require.NoError(t, <-done)
	_, sel = s.Selected()
	require.NotNil(t, sel)
	assert.Equal(t, int64(80), sel.Size)
	assert.Equal(t, 0, fsys.callCount("/etc/hosts"), "files are never listed")
}

func TestExpandMissingPath(t *testing.T) {
	s := newTestStore(t, newFakeFS())

	err := s.Expand(context.Background(), "/etc/nope/deeper")
	assert.ErrorIs(t, err, mfs.ErrNotExist)

	err = s.Expand(context.Background(), "/etc/hosts/child")
	assert.ErrorContains(t, err, "not a directory")
}

func TestConcurrentLoadsShareOneFetch(t *testing.T) {
	fsys := newFakeFS()
	fsys.gate = make(chan struct{})
	s := newTestStore(t, fsys)

	var wg, ready sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		ready.Add(1)
		go func() {
			defer wg.Done()
			ready.Done()
			errs <- s.Load(context.Background(), "/")
		}()
	}
	ready.Wait()
	require.Eventually(t, func() bool { return fsys.callCount("/") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fsys.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fsys.callCount("/"))
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	fsys := newFakeFS()
	fsys.gate = make(chan struct{})
	s := newTestStore(t, fsys)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- s.Load(ctx, "/") }()
	require.Eventually(t, func() bool { return fsys.callCount("/") == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- s.Load(context.Background(), "/") }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(fsys.gate)
	require.NoError(t, <-second)
	assert.Equal(t, 1, fsys.callCount("/"))
	root, _ := s.Node("/", 1)
	assert.True(t, root.Loaded)
}

func TestSearch(t *testing.T) {
	s := newTestStore(t, newFakeFS())
	ctx := context.Background()
	require.NoError(t, s.Expand(ctx, "/etc"))

	matches, err := s.Search("SS")
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/ssh", "/etc/passwd"}, matches)

	// New listings are searched as they arrive.
	require.NoError(t, s.Load(ctx, "/etc/ssh"))
	assert.Equal(t, []string{"/etc/ssh", "/etc/ssh/sshd_config", "/etc/passwd"}, s.Matches())

	matches, err = s.Search("*config")
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/ssh/sshd_config"}, matches)

	st, err := s.State(StateOptions{Filtered: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"etc"}, childNames(st.Root))
	assert.Equal(t, []string{"ssh"}, childNames(st.Root.Children[0]))
	assert.True(t, st.Root.Children[0].Children[0].Children[0].Match)

	matches, err = s.Search("  ")
	require.NoError(t, err)
	assert.Empty(t, matches)
	st, _ = s.State(StateOptions{Filtered: true})
	assert.Len(t, st.Root.Children, 3)
}

func TestSearchMalformedGlobIsLiteral(t *testing.T) {
	m := newMatcher("[abc")
	assert.False(t, m.glob)
	assert.True(t, m.match("x[ABC"))
}

func TestRefreshTracksInFlightPath(t *testing.T) {
	fsys := newFakeFS()
	fsys.refreshGate = make(chan struct{})
	s := newTestStore(t, fsys)
	ctx := context.Background()
	require.NoError(t, s.Expand(ctx, "/etc"))

	events, cancel := s.Subscribe()
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Refresh(ctx, "/etc", 1) }()

	require.Eventually(t, func() bool { return s.IsRefreshing("/etc") }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Refresh(ctx, "/etc", 1), ErrRefreshInProgress)
	st, _ := s.State(StateOptions{})
	assert.Equal(t, []string{"/etc"}, st.Refreshing)

	fsys.set("/etc", fileEntry("/etc/hosts", 99))
	close(fsys.refreshGate)
	require.NoError(t, <-done)

	assert.False(t, s.IsRefreshing("/etc"))
	assert.Empty(t, s.RefreshingPaths())
	hosts, _ := s.Node("/etc/hosts", 0)
	assert.Equal(t, int64(99), hosts.Size)

	var kinds []EventKind
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Kind)
	}
	assert.Equal(t, []EventKind{EventRefreshStarted, EventListing, EventRefreshFinished}, kinds)
}

func TestRefreshFailureLeavesSetOnce(t *testing.T) {
	fsys := newFakeFS()
	fsys.refreshErr = errors.New("client offline")
	s := newTestStore(t, fsys)

	events, cancel := s.Subscribe()
	defer cancel()

	err := s.Refresh(context.Background(), "/etc", 1)
	assert.ErrorContains(t, err, "client offline")
	assert.False(t, s.IsRefreshing("/etc"))

	require.Len(t, events, 2)
	assert.Equal(t, EventRefreshStarted, (<-events).Kind)
	finished := <-events
	assert.Equal(t, EventRefreshFinished, finished.Kind)
	assert.Equal(t, "client offline", finished.Error)

	// The path can be refreshed again once the first attempt is over.
	fsys.refreshErr = nil
	require.NoError(t, s.Refresh(context.Background(), "/etc", 1))
}

func TestRefreshDescendsIntoLoadedChildren(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()
	require.NoError(t, s.Expand(ctx, "/etc/ssh"))

	require.NoError(t, s.Refresh(ctx, "/", 3))
	assert.Equal(t, 2, fsys.callCount("/"))
	assert.Equal(t, 2, fsys.callCount("/etc"))
	assert.Equal(t, 2, fsys.callCount("/etc/ssh"))
	assert.Equal(t, 0, fsys.callCount("/var"), "unloaded directories stay unloaded")

	require.NoError(t, s.Refresh(ctx, "/", 1))
	assert.Equal(t, 3, fsys.callCount("/"))
	assert.Equal(t, 2, fsys.callCount("/etc"))
}

func TestRefreshOfFileReloadsParent(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()
	require.NoError(t, s.Expand(ctx, "/etc"))

	require.NoError(t, s.Refresh(ctx, "/etc/hosts", 1))
	assert.Equal(t, 2, fsys.callCount("/etc"))
	assert.Equal(t, 0, fsys.callCount("/etc/hosts"))
}

func TestInvalidateOnlyReloadsLoaded(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx, "/"))

	require.NoError(t, s.Invalidate(ctx, "/etc"))
	assert.Equal(t, 0, fsys.callCount("/etc"))

	require.NoError(t, s.Invalidate(ctx, "/"))
	assert.Equal(t, 2, fsys.callCount("/"))
}

func TestDetachedNodeIsAdoptedByParentListing(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, "/etc/ssh"))
	root, _ := s.Node("/", 1)
	assert.False(t, root.Loaded)

	require.NoError(t, s.Load(ctx, "/"))
	require.NoError(t, s.Load(ctx, "/etc"))
	ssh, ok := s.Node("/etc/ssh", 1)
	require.True(t, ok)
	assert.True(t, ssh.Loaded, "the earlier listing survives adoption")
	assert.Equal(t, 1, fsys.callCount("/etc/ssh"))

	st, _ := s.State(StateOptions{})
	var paths []string
	st.Root.Walk(func(v *NodeView) bool {
		paths = append(paths, v.Path)
		return true
	})
	assert.Contains(t, paths, "/etc/ssh/sshd_config")
}

func TestSelectedDetachedNodeIsNil(t *testing.T) {
	fsys := newFakeFS()
	s := newTestStore(t, fsys)
	ctx := context.Background()

	require.NoError(t, s.Load(ctx, "/etc/ssh"))
	fsys.remove("/")
	require.Error(t, s.Select(ctx, "/etc/ssh"))

	p, sel := s.Selected()
	assert.Equal(t, "/etc/ssh", p)
	assert.Nil(t, sel, "a node waiting for its parent's listing is not in the tree")
	st, err := s.State(StateOptions{})
	require.NoError(t, err)
	assert.Nil(t, st.Selected)

	fsys.set("/", dirEntry("/etc"))
	require.NoError(t, s.Select(ctx, "/etc/ssh"))
	_, sel = s.Selected()
	require.NotNil(t, sel)
	assert.Equal(t, []string{"sshd_config"}, childNames(sel))
}

func TestFilterHidesEntries(t *testing.T) {
	fsys := newFakeFS()
	s := NewStore("C.1", fsys, Options{Filter: func(e mfs.Entry) bool { return e.Name != "passwd" }})
	defer s.Close()

	require.NoError(t, s.Load(context.Background(), "/etc"))
	etc, _ := s.Node("/etc", 1)
	assert.Equal(t, []string{"ssh", "hosts"}, childNames(etc))
}

func TestLoadErrorEmitsEvent(t *testing.T) {
	s := newTestStore(t, newFakeFS())
	events, cancel := s.Subscribe()
	defer cancel()

	err := s.Load(context.Background(), "/missing")
	assert.ErrorIs(t, err, mfs.ErrNotExist)
	ev := <-events
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "/missing", ev.Path)
	assert.Equal(t, "C.1000", ev.ClientID)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	s := NewStore("C.1", newFakeFS(), Options{})
	events, cancel := s.Subscribe()

	s.Close()
	ev, ok := <-events
	require.True(t, ok)
	assert.Equal(t, EventClosed, ev.Kind)
	_, ok = <-events
	assert.False(t, ok)
	cancel()

	assert.ErrorIs(t, s.Load(context.Background(), "/"), ErrClosed)
	assert.ErrorIs(t, s.Expand(context.Background(), "/"), ErrClosed)
	assert.ErrorIs(t, s.Refresh(context.Background(), "/", 1), ErrClosed)
	_, err := s.Search("x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.State(StateOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, s.Closed())

	late, _ := s.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore("C.1", newFakeFS(), Options{EventBuffer: 1})
	defer s.Close()
	events, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := s.Search("e")
		require.NoError(t, err)
	}
	assert.Len(t, events, 1)
}
