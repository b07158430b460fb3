package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateLocalFilesystemAllowsLocal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	err := validateLocalFilesystemWithDetector(dbPath, func(path string) (string, error) {
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("local filesystem rejected: %v", err)
	}
}

func TestValidateLocalFilesystemRejectsNetwork(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	for _, fsType := range []string{"nfs", "cifs", "SMB2", " webdav "} {
		err := validateLocalFilesystemWithDetector(dbPath, func(path string) (string, error) {
			return fsType, nil
		})
		if err == nil {
			t.Errorf("filesystem %q accepted, want rejection", fsType)
		} else if !strings.Contains(err.Error(), "journal.path") {
			t.Errorf("error %v should point at the journal.path setting", err)
		}
	}
}

func TestValidateLocalFilesystemUsesNearestExistingPath(t *testing.T) {
	base := t.TempDir()
	dbPath := filepath.Join(base, "not", "yet", "created", "journal.db")

	var inspected string
	err := validateLocalFilesystemWithDetector(dbPath, func(path string) (string, error) {
		inspected = path
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	want, err := filepath.Abs(base)
	if err != nil {
		t.Fatal(err)
	}
	if resolved, err := filepath.EvalSymlinks(want); err == nil {
		want = resolved
	}
	if got, err := filepath.EvalSymlinks(inspected); err != nil || got != want {
		t.Errorf("detector inspected %q, want nearest existing dir %q", inspected, want)
	}
}

func TestValidateLocalFilesystemToleratesDetectorFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	err := validateLocalFilesystemWithDetector(dbPath, func(path string) (string, error) {
		return "", os.ErrPermission
	})
	if err != nil {
		t.Fatalf("detector failure should not block startup, got %v", err)
	}
}
