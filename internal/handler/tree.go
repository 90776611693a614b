// Package handler provides the HTTP and WebSocket API for browsing managed
// clients' virtual file systems.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/CageChen/vfshub/internal/backend"
	"github.com/CageChen/vfshub/internal/config"
	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/CageChen/vfshub/internal/logging"
	"github.com/CageChen/vfshub/internal/vfs"
	"github.com/CageChen/vfshub/internal/watcher"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// refreshTimeout bounds a refresh started through the API.
const refreshTimeout = 10 * time.Minute

// ClientWatcher follows changes under local clients.
type ClientWatcher interface {
	Add(clientID string, fsys *mfs.LocalFS) error
	Remove(clientID string)
}

// TreeHandler handles client management and tree API requests
type TreeHandler struct {
	backend *backend.Client
	manager *vfs.Manager

	mu      sync.RWMutex
	cfg     *config.Config
	watcher ClientWatcher
}

// NewTreeHandler creates a new tree handler. Remote clients are read
// through bc.
func NewTreeHandler(cfg *config.Config, bc *backend.Client) *TreeHandler {
	h := &TreeHandler{
		backend: bc,
		cfg:     cfg,
	}
	h.manager = vfs.NewManager(h.source)
	return h
}

// Manager returns the per-client store manager.
func (h *TreeHandler) Manager() *vfs.Manager {
	return h.manager
}

// SetWatcher starts following every configured local client with w.
func (h *TreeHandler) SetWatcher(w ClientWatcher) {
	h.mu.Lock()
	h.watcher = w
	clients := append([]config.Client{}, h.cfg.Clients...)
	h.mu.Unlock()

	for _, cl := range clients {
		h.watch(cl)
	}
}

func (h *TreeHandler) watch(cl config.Client) {
	h.mu.RLock()
	w := h.watcher
	h.mu.RUnlock()
	if w == nil || cl.Source != config.SourceLocal {
		return
	}
	if err := w.Add(cl.ID, mfs.NewLocalFS(cl.Path)); err != nil {
		logging.Warn("cannot watch client", zap.String("client", cl.ID), zap.Error(err))
	}
}

func (h *TreeHandler) unwatch(id string) {
	h.mu.RLock()
	w := h.watcher
	h.mu.RUnlock()
	if w != nil {
		w.Remove(id)
	}
}

// source builds the file system behind a configured client.
func (h *TreeHandler) source(clientID string) (mfs.FileSystem, vfs.Options, error) {
	h.mu.RLock()
	cl, ok := h.cfg.Client(clientID)
	h.mu.RUnlock()
	if !ok {
		return nil, vfs.Options{}, vfs.ErrUnknownClient
	}

	var fsys mfs.FileSystem
	switch cl.Source {
	case config.SourceLocal:
		fsys = mfs.NewLocalFS(cl.Path)
	case config.SourceGit:
		fsys = mfs.NewGitFS(cl.Path, cl.GitRef)
	default:
		fsys = backend.NewRemoteFS(h.backend, cl.ID)
	}
	opts := vfs.Options{
		Filter: func(e mfs.Entry) bool {
			return !h.Excluded(clientID, e.Path)
		},
	}
	return fsys, opts, nil
}

// Excluded reports whether p is hidden for clientID by the global or the
// client's own exclude patterns.
func (h *TreeHandler) Excluded(clientID, p string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cfg.IsExcluded(p) {
		return true
	}
	cl, _ := h.cfg.Client(clientID)
	return config.IsClientExcluded(p, cl.Exclude)
}

// OnFileChange reloads the directory holding a changed local path, if a view
// of that client is open.
func (h *TreeHandler) OnFileChange(e watcher.Event) {
	store, ok := h.manager.Lookup(e.ClientID)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.Invalidate(ctx, mfs.Parent(e.Path)); err != nil && !errors.Is(err, vfs.ErrClosed) {
			logging.Debug("invalidate failed", zap.String("client", e.ClientID),
				zap.String("path", e.Path), zap.Error(err))
		}
	}()
}

// store returns the store named by the :id parameter, writing the error
// response when there is none.
func (h *TreeHandler) store(c *gin.Context) (*vfs.Store, bool) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

// vfsPath returns the *path parameter as a clean VFS path.
func vfsPath(c *gin.Context) string {
	return mfs.Clean(c.Param("path"))
}

// GetClients returns the configured clients and the global excludes
func (h *TreeHandler) GetClients(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"clients":       h.cfg.Clients,
		"globalExclude": h.cfg.Exclude,
		"open":          h.manager.Clients(),
	})
}

// AddClient adds a new client to the configuration
func (h *TreeHandler) AddClient(c *gin.Context) {
	var req config.Client
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	h.mu.Lock()
	cl, err := h.cfg.AddClient(req)
	if err == nil {
		err = h.cfg.Save()
	}
	clients := append([]config.Client{}, h.cfg.Clients...)
	h.mu.Unlock()
	if err != nil {
		writeError(c, err)
		return
	}

	h.watch(cl)
	c.JSON(http.StatusOK, gin.H{
		"message": "client added",
		"clients": clients,
	})
}

// UpdateClient replaces a client's settings. An open view of the client is
// torn down so the next request sees the new source.
func (h *TreeHandler) UpdateClient(c *gin.Context) {
	var req config.Client
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	h.mu.Lock()
	cl, err := h.cfg.UpdateClient(req)
	if err == nil {
		err = h.cfg.Save()
	}
	clients := append([]config.Client{}, h.cfg.Clients...)
	h.mu.Unlock()
	if err != nil {
		writeError(c, err)
		return
	}

	h.manager.Close(cl.ID)
	h.unwatch(cl.ID)
	h.watch(cl)
	c.JSON(http.StatusOK, gin.H{
		"message": "client updated",
		"clients": clients,
	})
}

// RemoveClientRequest represents a request to remove a client
type RemoveClientRequest struct {
	ID string `json:"id" binding:"required"`
}

// RemoveClient removes a client from the configuration
func (h *TreeHandler) RemoveClient(c *gin.Context) {
	var req RemoveClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	h.mu.Lock()
	err := h.cfg.RemoveClient(req.ID)
	if err == nil {
		err = h.cfg.Save()
	}
	clients := append([]config.Client{}, h.cfg.Clients...)
	h.mu.Unlock()
	if err != nil {
		writeError(c, err)
		return
	}

	h.manager.Close(req.ID)
	h.unwatch(req.ID)
	c.JSON(http.StatusOK, gin.H{
		"message": "client removed",
		"clients": clients,
	})
}

// UpdateGlobalExcludeRequest represents a request to update global excludes
type UpdateGlobalExcludeRequest struct {
	Exclude []string `json:"exclude"`
}

// UpdateGlobalExclude updates the global exclude patterns. Open views are
// torn down since their listings were filtered with the old patterns.
func (h *TreeHandler) UpdateGlobalExclude(c *gin.Context) {
	var req UpdateGlobalExcludeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	h.mu.Lock()
	h.cfg.SetGlobalExclude(req.Exclude)
	err := h.cfg.Save()
	exclude := h.cfg.Exclude
	h.mu.Unlock()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config: " + err.Error()})
		return
	}

	h.manager.CloseAll()
	c.JSON(http.StatusOK, gin.H{
		"message":       "global excludes updated",
		"globalExclude": exclude,
	})
}

// GetTree returns the client's tree as far as it has been loaded, with
// selection, search and refresh state. ?filtered=true limits the tree to
// search matches and ?depth=N bounds it.
func (h *TreeHandler) GetTree(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	depth, err := intQuery(c, "depth", 0)
	if err != nil {
		return
	}
	filtered, _ := strconv.ParseBool(c.Query("filtered"))

	state, err := store.State(vfs.StateOptions{Filtered: filtered, MaxDepth: depth})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Expand loads the directory at path with its ancestors, marks it expanded
// and returns it with its children.
func (h *TreeHandler) Expand(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	p := vfsPath(c)
	if err := store.Expand(c.Request.Context(), p); err != nil {
		writeError(c, err)
		return
	}
	node, ok := store.Node(p, 1)
	if !ok {
		writeError(c, mfs.ErrNotExist)
		return
	}
	c.JSON(http.StatusOK, node)
}

// Collapse marks the directory at path collapsed.
func (h *TreeHandler) Collapse(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	p := vfsPath(c)
	if err := store.Collapse(p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": p, "expanded": false})
}

// Select selects path, loading its ancestors as needed, and returns the
// selected node.
func (h *TreeHandler) Select(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	if err := store.Select(c.Request.Context(), vfsPath(c)); err != nil {
		writeError(c, err)
		return
	}
	p, node := store.Selected()
	c.JSON(http.StatusOK, gin.H{"path": p, "node": node})
}

// Search sets the search query over the loaded tree and returns the matches.
func (h *TreeHandler) Search(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	q := c.Query("q")
	matches, err := store.Search(q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "matches": matches})
}

// Refresh starts a refresh of path and returns at once. ?depth=N sets how
// many levels the source re-collects.
func (h *TreeHandler) Refresh(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	depth, err := intQuery(c, "depth", 1)
	if err != nil {
		return
	}
	p := vfsPath(c)

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	done, err := store.StartRefresh(ctx, p, depth)
	if err != nil {
		cancel()
		writeError(c, err)
		return
	}
	go func() {
		<-done
		cancel()
	}()
	c.JSON(http.StatusAccepted, gin.H{"path": p, "depth": depth})
}

// GetRefreshing lists the paths with a refresh in flight.
func (h *TreeHandler) GetRefreshing(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshing": store.RefreshingPaths()})
}

// CloseSession tears down the client's view.
func (h *TreeHandler) CloseSession(c *gin.Context) {
	if !h.manager.Close(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open view"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Health reports liveness and whether the backend answered its last call.
func (h *TreeHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"backend_online": h.backend.IsOnline(),
		"open_views":     len(h.manager.Clients()),
	})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
		return 0, err
	}
	return n, nil
}

// statusClientClosedRequest is reported when the caller went away before
// the response was ready.
const statusClientClosedRequest = 499

// writeError maps store, source and config errors to a status code.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, mfs.ErrNotExist), errors.Is(err, vfs.ErrUnknownClient),
		errors.Is(err, config.ErrClientNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vfs.ErrRefreshInProgress), errors.Is(err, config.ErrClientExists):
		status = http.StatusConflict
	case errors.Is(err, vfs.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = statusClientClosedRequest
	case errors.As(err, &apiErr), errors.Is(err, backend.ErrRefreshFailed):
		status = http.StatusBadGateway
	case errors.Is(err, config.ErrInvalidClient):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.WithContext(c.Request.Context()).Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
