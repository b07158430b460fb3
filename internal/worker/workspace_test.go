package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWorkspacesCreateRemove(t *testing.T) {
	ws, err := NewWorkspaces(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatalf("NewWorkspaces: %v", err)
	}

	path, err := ws.Create("job-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		t.Fatalf("workspace not a directory: %v", err)
	}

	// A second create for the same job must fail rather than reuse a dirty
	// directory.
	if _, err := ws.Create("job-1"); err == nil {
		t.Error("Create() succeeded twice for the same job")
	}

	if err := ws.Remove("job-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("workspace still present: stat err = %v", err)
	}

	// Removing an absent workspace is not an error.
	if err := ws.Remove("job-1"); err != nil {
		t.Errorf("Remove() of absent workspace error = %v", err)
	}
}

func TestWorkspacesRejectsBadJobIDs(t *testing.T) {
	ws, err := NewWorkspaces(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		jobID string
	}{
		{name: "empty", jobID: ""},
		{name: "whitespace", jobID: "   "},
		{name: "dot", jobID: "."},
		{name: "dotdot", jobID: ".."},
		{name: "slash", jobID: "a/b"},
		{name: "backslash", jobID: `a\b`},
		{name: "traversal", jobID: "../escape"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ws.Create(tt.jobID); err == nil {
				t.Errorf("Create(%q) succeeded, want validation error", tt.jobID)
			}
		})
	}
}

func TestWorkspacesSweep(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")
	ws, err := NewWorkspaces(root)
	if err != nil {
		t.Fatal(err)
	}

	oldPath, err := ws.Create("job-old")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Create("job-new"); err != nil {
		t.Fatal(err)
	}
	// A stray file at the root is left alone.
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	deleted, err := ws.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Sweep() deleted = %d, want 1", deleted)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("stale workspace survived sweep")
	}
	if _, err := os.Stat(filepath.Join(root, "job-new")); err != nil {
		t.Error("fresh workspace removed by sweep")
	}
	if _, err := os.Stat(filepath.Join(root, "notes.txt")); err != nil {
		t.Error("stray file removed by sweep")
	}

	if _, err := ws.Sweep(0); err == nil {
		t.Error("Sweep(0) succeeded, want error")
	}
}

func TestNewWorkspacesRejectsEmptyRoot(t *testing.T) {
	if _, err := NewWorkspaces("  "); err == nil {
		t.Fatal("NewWorkspaces succeeded with empty root")
	}
}
