package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GitFS implements FileSystem by reading an archived collection committed
// to a git ref (branch, tag, or commit).
type GitFS struct {
	repoPath string
	ref      string
}

// NewGitFS creates a GitFS that reads files from the given ref in the repository at repoPath.
func NewGitFS(repoPath, ref string) *GitFS {
	return &GitFS{repoPath: repoPath, ref: ref}
}

func (g *GitFS) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.repoPath}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}

// ReadFile reads the blob at the given VFS path from the git ref.
func (g *GitFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	objPath := Relative(path)
	if objPath == "" {
		return nil, fmt.Errorf("cannot read directory as file")
	}
	out, err := g.git(ctx, "show", g.ref+":"+objPath)
	if err != nil {
		if strings.Contains(err.Error(), "not exist") {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return []byte(out), nil
}

// Stat returns metadata for the file or directory at the given VFS path in the git ref.
func (g *GitFS) Stat(ctx context.Context, path string) (Entry, error) {
	objPath := Relative(path)
	if objPath == "" {
		if _, err := g.git(ctx, "rev-parse", "--verify", g.ref); err != nil {
			return Entry{}, ErrNotExist
		}
		return Entry{
			Path:  "/",
			Name:  "/",
			IsDir: true,
			Mode:  uint32(os.ModeDir | 0o755),
			MTime: g.modTime(ctx, ""),
		}, nil
	}

	out, err := g.git(ctx, "ls-tree", "-l", g.ref, objPath)
	if err != nil || strings.TrimSpace(out) == "" {
		return Entry{}, ErrNotExist
	}
	entry, ok := parseLsTreeLine(Parent(path), strings.TrimSpace(out))
	if !ok {
		return Entry{}, ErrNotExist
	}
	entry.MTime = g.modTime(ctx, objPath)
	return entry, nil
}

// ReadDir lists the immediate children of the directory at the given VFS path in the git ref.
func (g *GitFS) ReadDir(ctx context.Context, path string) ([]Entry, error) {
	objPath := Relative(path)

	// git ls-tree <ref> [<path>/] lists immediate children
	args := []string{"ls-tree", "-l", g.ref}
	if objPath != "" {
		args = append(args, objPath+"/")
	}
	out, err := g.git(ctx, args...)
	if err != nil {
		return nil, ErrNotExist
	}

	refTime := g.modTime(ctx, "")
	parent := Clean(path)
	entries := []Entry{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		entry, ok := parseLsTreeLine(parent, strings.TrimSpace(line))
		if !ok {
			continue
		}
		entry.MTime = refTime
		entries = append(entries, entry)
	}
	return entries, nil
}

// Refresh is a no-op: a committed snapshot never changes.
func (g *GitFS) Refresh(ctx context.Context, path string, _ int) error {
	_, err := g.Stat(ctx, path)
	return err
}

// parseLsTreeLine parses "<mode> <type> <hash> <size>\t<name>".
func parseLsTreeLine(parent, line string) (Entry, bool) {
	tabIdx := strings.IndexByte(line, '\t')
	if tabIdx < 0 {
		return Entry{}, false
	}
	fields := strings.Fields(line[:tabIdx])
	if len(fields) < 4 {
		return Entry{}, false
	}
	name := line[tabIdx+1:]
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	gitMode, _ := strconv.ParseUint(fields[0], 8, 32)
	entry := Entry{
		Path:  Join(parent, name),
		Name:  name,
		IsDir: fields[1] == "tree",
		Mode:  uint32(gitFileMode(uint32(gitMode))),
	}
	if size, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
		entry.Size = size
	}
	return entry, true
}

func gitFileMode(mode uint32) os.FileMode {
	switch mode & 0o170000 {
	case 0o040000:
		return os.ModeDir | 0o755
	case 0o120000:
		return os.ModeSymlink | 0o777
	case 0o160000:
		return os.ModeDir | 0o755
	}
	return os.FileMode(mode & 0o777)
}

func (g *GitFS) modTime(ctx context.Context, objPath string) time.Time {
	args := []string{"log", "-1", "--format=%ct", g.ref}
	if objPath != "" {
		args = append(args, "--", objPath)
	}
	out, err := g.git(ctx, args...)
	if err != nil {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
