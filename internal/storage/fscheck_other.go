//go:build !darwin && !linux

package storage

import "fmt"

// No statfs to read here; the caller treats detection failure as "assume
// local" rather than refusing to start.
func detectFilesystemType(path string) (string, error) {
	return "", fmt.Errorf("no filesystem type detection on this platform")
}
