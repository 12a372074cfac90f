// Package workspace owns the per-execution scratch directories.
package workspace

import (
	"os"
	"path/filepath"
)

// Workspace is the directory holding the artifacts of exactly one execution.
type Workspace struct {
	ID        string
	SessionID string
	Dir       string
}

// Path returns the absolute path of name inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteFile writes data to name inside the workspace.
func (w *Workspace) WriteFile(name string, data []byte) error {
	path := w.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
