package backend

import (
	"os"
	"time"

	mfs "github.com/CageChen/vfshub/internal/fs"
)

// File is a VFS entry as the backend serializes it.
type File struct {
	Path          string    `json:"path"`
	Name          string    `json:"name,omitempty"`
	IsDirectory   bool      `json:"is_directory"`
	Stat          *Stat     `json:"stat,omitempty"`
	Hash          *mfs.Hash `json:"hash,omitempty"`
	LastCollected int64     `json:"last_collected,omitempty"` // microseconds since epoch
}

// Stat carries POSIX stat fields; times are seconds since epoch.
type Stat struct {
	StMode  uint32 `json:"st_mode"`
	StSize  int64  `json:"st_size"`
	StAtime int64  `json:"st_atime,omitempty"`
	StMtime int64  `json:"st_mtime,omitempty"`
	StCtime int64  `json:"st_ctime,omitempty"`
	StBtime int64  `json:"st_btime,omitempty"`
}

// ListResponse is returned by the vfs-index endpoint.
type ListResponse struct {
	Items []File `json:"items"`
}

// DetailsResponse is returned by the vfs-details endpoint.
type DetailsResponse struct {
	File File `json:"file"`
}

// RefreshRequest starts a server-side re-collection of a directory.
type RefreshRequest struct {
	FilePath string `json:"file_path"`
	MaxDepth int    `json:"max_depth"`
}

// RefreshOperation identifies a started refresh.
type RefreshOperation struct {
	OperationID string `json:"operation_id"`
}

// Refresh operation states.
const (
	StateRunning  = "RUNNING"
	StateFinished = "FINISHED"
	StateError    = "ERROR"
)

// RefreshStatus reports the progress of a refresh operation.
type RefreshStatus struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the JSON error body of the backend.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Entry converts the wire form to a VFS entry.
func (f File) Entry() mfs.Entry {
	p := mfs.Clean(f.Path)
	name := f.Name
	if name == "" {
		name = mfs.Base(p)
	}
	e := mfs.Entry{
		Path:  p,
		Name:  name,
		IsDir: f.IsDirectory,
		Hash:  f.Hash,
	}
	if f.LastCollected > 0 {
		e.LastCollected = time.UnixMicro(f.LastCollected)
	}
	if s := f.Stat; s != nil {
		e.Size = s.StSize
		e.Mode = uint32(ModeFromUnix(s.StMode))
		e.ATime = unixTime(s.StAtime)
		e.MTime = unixTime(s.StMtime)
		e.CTime = unixTime(s.StCtime)
		e.BTime = unixTime(s.StBtime)
		if e.Mode&uint32(os.ModeDir) != 0 {
			e.IsDir = true
		}
	}
	if e.IsDir {
		e.Mode |= uint32(os.ModeDir)
	}
	return e
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// ModeFromUnix converts a POSIX st_mode into an os.FileMode.
func ModeFromUnix(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0o777)
	switch mode & 0o170000 {
	case 0o040000:
		m |= os.ModeDir
	case 0o120000:
		m |= os.ModeSymlink
	case 0o010000:
		m |= os.ModeNamedPipe
	case 0o140000:
		m |= os.ModeSocket
	case 0o020000:
		m |= os.ModeDevice | os.ModeCharDevice
	case 0o060000:
		m |= os.ModeDevice
	}
	if mode&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= os.ModeSticky
	}
	return m
}
