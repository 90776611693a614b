package handler

import (
	"fmt"
	"net/http"
	"strconv"

	mfs "github.com/CageChen/vfshub/internal/fs"
	"github.com/CageChen/vfshub/internal/preview"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

// FileResponse represents the response for a file request
type FileResponse struct {
	Path      string          `json:"path"`
	File      mfs.Entry       `json:"file"`
	HumanSize string          `json:"human_size"`
	Preview   *preview.Result `json:"preview"`
}

// FileHandler serves collected file content
type FileHandler struct {
	trees    *TreeHandler
	renderer *preview.Renderer
	maxBytes int64
}

// NewFileHandler creates a new file handler. Files larger than maxBytes are
// refused; zero means no limit.
func NewFileHandler(trees *TreeHandler, renderer *preview.Renderer, maxBytes int64) *FileHandler {
	return &FileHandler{
		trees:    trees,
		renderer: renderer,
		maxBytes: maxBytes,
	}
}

// read stats and reads the file named by the request, writing the error
// response on failure.
func (h *FileHandler) read(c *gin.Context) (mfs.Entry, []byte, bool) {
	store, ok := h.trees.store(c)
	if !ok {
		return mfs.Entry{}, nil, false
	}
	p := vfsPath(c)
	if h.trees.Excluded(store.ClientID(), p) {
		writeError(c, mfs.ErrNotExist)
		return mfs.Entry{}, nil, false
	}

	ctx := c.Request.Context()
	fsys := store.FileSystem()
	info, err := fsys.Stat(ctx, p)
	if err != nil {
		writeError(c, err)
		return mfs.Entry{}, nil, false
	}
	if info.IsDir {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is a directory"})
		return mfs.Entry{}, nil, false
	}
	if h.maxBytes > 0 && info.Size > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file is %s, limit is %s",
				humanize.IBytes(uint64(info.Size)), humanize.IBytes(uint64(h.maxBytes))),
		})
		return mfs.Entry{}, nil, false
	}

	content, err := fsys.ReadFile(ctx, p)
	if err != nil {
		writeError(c, err)
		return mfs.Entry{}, nil, false
	}
	return info, content, true
}

// GetFile returns a rendered preview of a file
func (h *FileHandler) GetFile(c *gin.Context) {
	info, content, ok := h.read(c)
	if !ok {
		return
	}

	result, err := h.renderer.Render(info.Name, content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render file: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, FileResponse{
		Path:      info.Path,
		File:      info,
		HumanSize: humanize.IBytes(uint64(max(info.Size, 0))),
		Preview:   result,
	})
}

// GetRaw returns the raw file content
func (h *FileHandler) GetRaw(c *gin.Context) {
	info, content, ok := h.read(c)
	if !ok {
		return
	}
	c.Header("Content-Disposition", "inline; filename="+strconv.Quote(info.Name))
	c.Data(http.StatusOK, http.DetectContentType(content), content)
}
