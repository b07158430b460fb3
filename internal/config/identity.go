package config

import (
	"fmt"
	"os"
	"strings"
)

// Identity is who this agent claims to be. Resolved once at startup and
// immutable for the process lifetime; the engine receives it by value.
type Identity struct {
	MachineID   string
	MachineName string
}

// IdentitySource names the host files identity is read from. The zero value
// is not usable; call DefaultIdentitySource. Tests point the paths at
// temporary files to run several agents in one process.
type IdentitySource struct {
	MachineIDPath  string
	FallbackIDPath string
	HostnamePath   string
}

// DefaultIdentitySource returns the standard Linux locations.
func DefaultIdentitySource() IdentitySource {
	return IdentitySource{
		MachineIDPath:  "/etc/machine-id",
		FallbackIDPath: "/var/lib/dbus/machine-id",
		HostnamePath:   "/etc/hostname",
	}
}

// ResolveIdentity derives the agent identity from the host files and the
// optional MachineName override in cfg. A host without a readable machine ID
// cannot register with the dispatcher, so that is a startup-fatal error.
func ResolveIdentity(src IdentitySource, cfg *Config) (Identity, error) {
	id, err := readTrimmed(src.MachineIDPath)
	if err != nil {
		id, err = readTrimmed(src.FallbackIDPath)
		if err != nil {
			return Identity{}, fmt.Errorf("cannot read machine id (tried %s, %s): %w",
				src.MachineIDPath, src.FallbackIDPath, err)
		}
	}
	if id == "" {
		return Identity{}, fmt.Errorf("machine id file is empty: %s", src.MachineIDPath)
	}

	name := cfg.MachineName
	if name == "" {
		name, err = readTrimmed(src.HostnamePath)
		if err != nil || name == "" {
			// /etc/hostname can legitimately be absent; the kernel hostname
			// still identifies the box.
			name, err = os.Hostname()
			if err != nil {
				return Identity{}, fmt.Errorf("cannot determine machine name: %w", err)
			}
		}
	}

	return Identity{MachineID: id, MachineName: name}, nil
}

func readTrimmed(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path not set")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
