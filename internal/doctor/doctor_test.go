package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lkhq/spark/internal/config"
)

// validConfig returns a config whose host-level checks all pass: every path
// under a temp dir, the runner pointing at a real executable.
func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	runner := filepath.Join(dir, "runner.sh")
	if err := os.WriteFile(runner, []byte("#!/bin/bash\ncat\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.LighthouseServer = "tcp://127.0.0.1:7600"
	cfg.Runner.Command = runner
	cfg.Workspace.Root = filepath.Join(dir, "workspaces")
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	return cfg
}

// identitySource points the identity lookup at temp files so tests never
// depend on the host's /etc.
func identitySource(t *testing.T) config.IdentitySource {
	t.Helper()
	dir := t.TempDir()
	idPath := filepath.Join(dir, "machine-id")
	hostPath := filepath.Join(dir, "hostname")
	if err := os.WriteFile(idPath, []byte("d9c41f1e6f5a4a6c9c7e2b1a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(hostPath, []byte("doctor-test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.IdentitySource{
		MachineIDPath:  idPath,
		FallbackIDPath: filepath.Join(dir, "missing"),
		HostnamePath:   hostPath,
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	d := New(validConfig(t), identitySource(t))
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_BadDispatcherScheme(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.LighthouseServer = "http://127.0.0.1:7600"
	r := New(cfg, identitySource(t)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "dispatcher", "scheme")
}

func TestValidate_BadDispatcherPort(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.LighthouseServer = "127.0.0.1:notaport"
	r := New(cfg, identitySource(t)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "dispatcher", "port")
}

func TestValidate_UnreadableMachineID(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "nope")
	src := config.IdentitySource{
		MachineIDPath:  missing,
		FallbackIDPath: missing + "2",
		HostnamePath:   missing + "3",
	}
	r := New(validConfig(t), src).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "identity", "machine id")
}

func TestValidate_MissingRunnerCommand(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Runner.Command = filepath.Join(t.TempDir(), "does-not-exist")
	r := New(cfg, identitySource(t)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "runner", cfg.Runner.Command)
}

func TestValidate_RunnerNotExecutable(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	plain := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(plain, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Runner.Command = plain
	r := New(cfg, identitySource(t)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "runner", "not executable")
}

func TestValidate_KindCommandChecked(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Runner.Kinds = map[string]string{
		"ingest": filepath.Join(t.TempDir(), "missing-ingest"),
	}
	r := New(cfg, identitySource(t)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "runner", "missing-ingest")
}

func TestValidate_RunnerOnPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Runner.Command = "sh" // resolved via $PATH
	r := New(cfg, identitySource(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_UnwritableWorkspace(t *testing.T) {
	t.Parallel()
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	cfg := validConfig(t)
	readonly := filepath.Join(t.TempDir(), "ro")
	if err := os.Mkdir(readonly, 0o555); err != nil {
		t.Fatal(err)
	}
	cfg.Workspace.Root = filepath.Join(readonly, "workspaces")
	r := New(cfg, identitySource(t)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "workspace", "workspaces")
}

func TestValidate_APIWithoutTokenOffLoopback(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "0.0.0.0:7621"
	cfg.API.Token = ""
	r := New(cfg, identitySource(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid (warning only), got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "api", "without a token")
}

func TestValidate_APIOnLoopbackNoWarning(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:7621"
	cfg.API.Token = ""
	r := New(cfg, identitySource(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	for _, w := range r.Warnings {
		if w.Category == "api" {
			t.Fatalf("unexpected api warning: %v", w)
		}
	}
}

func TestValidate_ClampedCapacityWarns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	runner := filepath.Join(dir, "runner.sh")
	if err := os.WriteFile(runner, []byte("#!/bin/bash\ncat\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "spark.yaml")
	cfgYAML := `
LighthouseServer: "tcp://127.0.0.1:7600"
MaxJobs: 9999
runner:
  command: "` + runner + `"
workspace:
  root: "` + filepath.Join(dir, "ws") + `"
journal:
  path: "` + filepath.Join(dir, "journal.db") + `"
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	r := New(cfg, identitySource(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "capacity", "9999")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
