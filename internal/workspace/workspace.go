// Package workspace allocates per-session working directories and
// enforces path containment.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrPathEscape is returned when a resolved path leaves the workspace root.
var ErrPathEscape = errors.New("path escapes workspace root")

// Allocator creates isolated per-session directories under a root.
type Allocator struct {
	root string
}

// NewAllocator picks the workspace root. If persistentDir exists it is
// preferred; otherwise localDir is created and used.
func NewAllocator(localDir, persistentDir string) (*Allocator, error) {
	root := localDir
	if persistentDir != "" {
		if info, err := os.Stat(persistentDir); err == nil && info.IsDir() {
			root = persistentDir
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Allocator{root: abs}, nil
}

// Root returns the absolute workspace root.
func (a *Allocator) Root() string {
	return a.root
}

// Allocate creates a fresh session workspace and returns its id and path.
func (a *Allocator) Allocate() (string, string, error) {
	id := uuid.NewString()
	dir := filepath.Join(a.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create session workspace: %w", err)
	}
	return id, dir, nil
}

// Workspace is one session's directory tree. All relative paths resolve
// against Dir and must stay inside it.
type Workspace struct {
	ID  string
	Dir string
}

// Open binds a Workspace to an existing session directory.
func (a *Allocator) Open(id string) (*Workspace, error) {
	dir := filepath.Join(a.root, id)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace path is not a directory: %s", dir)
	}
	return &Workspace{ID: id, Dir: dir}, nil
}

// Resolve turns a workspace-relative path into an absolute one,
// rejecting any result outside the workspace directory.
func (w *Workspace) Resolve(rel string) (string, error) {
	candidate := rel
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.Dir, candidate)
	}
	resolved := filepath.Clean(candidate)
	if resolved != w.Dir && !strings.HasPrefix(resolved, w.Dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return resolved, nil
}

// WriteFile writes data to a workspace-relative path, creating parent
// directories as needed.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	path, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads a workspace-relative path.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	path, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}
