// Package doctor checks a loaded agent configuration against the host it
// will run on: things the config loader cannot know, like whether the runner
// command exists or the journal directory is writable.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lkhq/spark/internal/config"
	"github.com/lkhq/spark/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host environment.
type Doctor struct {
	cfg *config.Config
	src config.IdentitySource
}

// New creates a Doctor from a loaded config and the identity file locations.
func New(cfg *config.Config, src config.IdentitySource) *Doctor {
	return &Doctor{cfg: cfg, src: src}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateDispatcher(r)
	d.validateIdentity(r)
	d.validateRunner(r)
	d.validateWorkspace(r)
	d.validateJournal(r)
	d.validateAPI(r)
	d.warnCapacityClamp(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateDispatcher checks the lighthouse address beyond the loader's
// host:port syntax check.
func (d *Doctor) validateDispatcher(r *Result) {
	raw := d.cfg.LighthouseServer
	if i := strings.Index(raw, "://"); i >= 0 && raw[:i] != "tcp" {
		d.addError(r, "dispatcher", "LighthouseServer",
			fmt.Sprintf("unsupported scheme %q (only tcp:// is understood)", raw[:i]))
		return
	}

	host, port, err := net.SplitHostPort(d.cfg.DispatcherAddr())
	if err != nil {
		d.addError(r, "dispatcher", "LighthouseServer",
			fmt.Sprintf("address must be host:port: %v", err))
		return
	}

	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		d.addError(r, "dispatcher", "LighthouseServer",
			fmt.Sprintf("port %q is not a valid TCP port", port))
	}

	if net.ParseIP(host) == nil {
		if _, err := net.LookupHost(host); err != nil {
			d.addWarning(r, "dispatcher", "LighthouseServer",
				fmt.Sprintf("host %q does not resolve from here: %v", host, err))
		}
	}
}

// validateIdentity checks that this host can produce a machine identity.
func (d *Doctor) validateIdentity(r *Result) {
	if _, err := config.ResolveIdentity(d.src, d.cfg); err != nil {
		d.addError(r, "identity", "", err.Error())
	}
}

// validateRunner checks that the runner command and every kind-specific
// command resolve to an executable.
func (d *Doctor) validateRunner(r *Result) {
	if err := resolveCommand(d.cfg.Runner.Command); err != nil {
		d.addError(r, "runner", "runner.command",
			fmt.Sprintf("command %q: %v", d.cfg.Runner.Command, err))
	}
	for kind, cmd := range d.cfg.Runner.Kinds {
		if err := resolveCommand(cmd); err != nil {
			d.addError(r, "runner", fmt.Sprintf("runner.kinds.%s", kind),
				fmt.Sprintf("command %q: %v", cmd, err))
		}
	}
}

func resolveCommand(cmd string) error {
	if cmd == "" {
		return fmt.Errorf("not set")
	}
	if strings.ContainsRune(cmd, os.PathSeparator) {
		info, err := os.Stat(cmd)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("is a directory")
		}
		if info.Mode()&0o111 == 0 {
			return fmt.Errorf("not executable")
		}
		return nil
	}
	if _, err := exec.LookPath(cmd); err != nil {
		return err
	}
	return nil
}

// validateWorkspace probes that the workspace root can be created and
// written. The directory is left in place; the agent wants it anyway.
func (d *Doctor) validateWorkspace(r *Result) {
	if err := probeWritableDir(d.cfg.Workspace.Root); err != nil {
		d.addError(r, "workspace", "workspace.root",
			fmt.Sprintf("%q: %v", d.cfg.Workspace.Root, err))
	}
}

// validateJournal probes the journal directory and rejects network mounts,
// the same check the journal applies at open.
func (d *Doctor) validateJournal(r *Result) {
	path := d.cfg.Journal.Path
	if err := probeWritableDir(filepath.Dir(path)); err != nil {
		d.addError(r, "journal", "journal.path",
			fmt.Sprintf("directory for %q: %v", path, err))
		return
	}
	if err := storage.ValidateLocalPath(path); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
}

// validateAPI warns when the status API is reachable beyond loopback without
// a token.
func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("must be host:port: %v", err))
		return
	}
	if d.cfg.API.Token == "" && !isLoopbackHost(host) {
		d.addWarning(r, "api", "api.token",
			fmt.Sprintf("api listens on %q without a token; anyone who can reach it can read job output", d.cfg.API.Listen))
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// warnCapacityClamp surfaces a MaxJobs value the loader silently clamped.
func (d *Doctor) warnCapacityClamp(r *Result) {
	if d.cfg.MaxJobsClamped() {
		d.addWarning(r, "capacity", "MaxJobs",
			fmt.Sprintf("configured value %d is out of range and was clamped to %d",
				d.cfg.RawMaxJobs(), d.cfg.MaxJobs))
	}
}

func probeWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-probe-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
