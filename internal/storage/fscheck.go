package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLite's file locking misbehaves on network mounts, silently in the worst
// case. The journal refuses to live on one.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ValidateLocalPath reports whether path sits on a filesystem SQLite can lock
// reliably. Open enforces it; config diagnostics reuse it.
func ValidateLocalPath(path string) error {
	return validateLocalFilesystem(path)
}

func validateLocalFilesystem(path string) error {
	return validateLocalFilesystemWithDetector(path, detectFilesystemType)
}

func validateLocalFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve journal path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Detection failing (unsupported platform, odd mount) is not a
		// reason to refuse startup.
		return nil
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"journal path %q is on network filesystem %q; SQLite needs a local filesystem for reliable locking, set journal.path to local disk",
			path, fsType,
		)
	}
	return nil
}

// nearestExistingPath walks up from path until it finds a component that
// exists, so a not-yet-created database file can still be checked via its
// parent directory.
func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
