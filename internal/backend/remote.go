package backend

import (
	"context"
	"fmt"

	mfs "github.com/CageChen/vfshub/internal/fs"
)

// RemoteFS implements fs.FileSystem for one managed client through the
// backend API.
type RemoteFS struct {
	client   *Client
	clientID string
}

// NewRemoteFS binds the backend client to a managed client ID.
func NewRemoteFS(client *Client, clientID string) *RemoteFS {
	return &RemoteFS{client: client, clientID: clientID}
}

// ReadDir lists the collected children of path.
func (r *RemoteFS) ReadDir(ctx context.Context, path string) ([]mfs.Entry, error) {
	files, err := r.client.ListDirectory(ctx, r.clientID, path)
	if err != nil {
		return nil, err
	}
	entries := make([]mfs.Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, f.Entry())
	}
	return entries, nil
}

// Stat returns the collected stat of path.
func (r *RemoteFS) Stat(ctx context.Context, path string) (mfs.Entry, error) {
	if mfs.Clean(path) == "/" {
		return mfs.Entry{Path: "/", Name: "/", IsDir: true}, nil
	}
	f, err := r.client.FileDetails(ctx, r.clientID, path)
	if err != nil {
		return mfs.Entry{}, err
	}
	return f.Entry(), nil
}

// ReadFile downloads the collected content of path.
func (r *RemoteFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return r.client.FileBlob(ctx, r.clientID, path)
}

// Refresh starts a refresh operation on the backend and waits for it.
func (r *RemoteFS) Refresh(ctx context.Context, path string, maxDepth int) error {
	opID, err := r.client.StartRefresh(ctx, r.clientID, path, maxDepth)
	if err != nil {
		return fmt.Errorf("start refresh of %s: %w", path, err)
	}
	if err := r.client.WaitForRefresh(ctx, r.clientID, opID); err != nil {
		return fmt.Errorf("refresh %s (%s): %w", path, opID, err)
	}
	return nil
}
