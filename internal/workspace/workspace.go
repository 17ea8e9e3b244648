// Package workspace manages local staging directories for backup archives.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Staging owns per-job directories under a common root.
type Staging struct {
	root string
}

// New ensures the staging root exists.
func New(root string) (*Staging, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("staging root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Staging{root: root}, nil
}

// Root returns the staging root.
func (s *Staging) Root() string { return s.root }

// Prepare creates an empty directory for job id, discarding leftovers from
// an earlier attempt.
func (s *Staging) Prepare(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid staging id %q", id)
	}
	dir := filepath.Join(s.root, id)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup staging dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

// Cleanup removes path, which must live below the root.
func (s *Staging) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside staging root")
	}
	return os.RemoveAll(path)
}
