package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Workspaces hands each job a private scratch directory under a common root.
// Job IDs arrive from the network, so they are validated before ever touching
// a path.
type Workspaces struct {
	root string
	now  func() time.Time
}

// NewWorkspaces creates a workspace manager rooted at root, creating the
// directory if needed.
func NewWorkspaces(root string) (*Workspaces, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspaces{root: clean, now: time.Now}, nil
}

// Create initializes a workspace directory for jobID and returns its path.
func (w *Workspaces) Create(jobID string) (string, error) {
	path, err := w.path(jobID)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace for job %q: %w", jobID, err)
	}
	return path, nil
}

// Remove deletes a job's workspace directory.
func (w *Workspaces) Remove(jobID string) error {
	path, err := w.path(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace for job %q: %w", jobID, err)
	}
	return nil
}

// Sweep removes workspace directories older than olderThan, returning how
// many were deleted. Kept workspaces (workspace.keep) are swept too once they
// age out.
func (w *Workspaces) Sweep(olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(w.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := w.now().Add(-olderThan)
	deleted := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return deleted, fmt.Errorf("read workspace entry %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.root, entry.Name())); err != nil {
			return deleted, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		deleted++
	}
	return deleted, nil
}

func (w *Workspaces) path(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(w.root, jobID), nil
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("job id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("job id %q is invalid", jobID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("job id %q must not contain path separators", jobID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("job id %q is invalid", jobID)
	}
	return nil
}
