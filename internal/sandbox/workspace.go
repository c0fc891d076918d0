package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Workspace is a private directory for one request. Nothing else writes to
// it; Remove deletes it and every artifact inside.
type Workspace struct {
	path string
}

// NewWorkspace creates a fresh directory under root (os.TempDir when root
// is empty).
func NewWorkspace(root string) (*Workspace, error) {
	dir, err := os.MkdirTemp(root, "haskbot-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{path: dir}, nil
}

func (w *Workspace) Path() string {
	return w.path
}

// WriteFile writes a file relative to the workspace root. name must not
// escape the workspace.
func (w *Workspace) WriteFile(name string, data []byte) error {
	if !filepath.IsLocal(name) {
		return fmt.Errorf("invalid workspace file name %q", name)
	}
	return os.WriteFile(filepath.Join(w.path, name), data, 0o644)
}

// Remove deletes the workspace. It is safe to call more than once.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}
