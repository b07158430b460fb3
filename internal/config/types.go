package config

import "time"

// Config is the complete agent configuration.
//
// The three top-level keys keep the spelling of the original
// /etc/laniakea/spark.json so legacy files load unchanged (JSON is a YAML
// subset, so the same loader reads both). Everything below them is this
// implementation's extension surface and uses conventional YAML naming.
type Config struct {
	MachineName      string `yaml:"MachineName"`
	LighthouseServer string `yaml:"LighthouseServer"`
	MaxJobs          int    `yaml:"MaxJobs"`

	Log           LogConfig       `yaml:"log,omitempty"`
	Heartbeat     time.Duration   `yaml:"heartbeat_interval,omitempty"`
	Reconnect     ReconnectConfig `yaml:"reconnect,omitempty"`
	Runner        RunnerConfig    `yaml:"runner,omitempty"`
	Workspace     WorkspaceConfig `yaml:"workspace,omitempty"`
	Journal       JournalConfig   `yaml:"journal,omitempty"`
	API           APIConfig       `yaml:"api,omitempty"`
	ShutdownGrace time.Duration   `yaml:"shutdown_grace,omitempty"`

	// rawMaxJobs preserves the pre-clamp value so diagnostics can tell an
	// operator their setting was out of range.
	rawMaxJobs int
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReconnectConfig bounds the dispatcher reconnect backoff. ReportDropAfter is
// the number of consecutive failed reconnect attempts after which queued
// orphan-job failure reports are dropped rather than held forever.
type ReconnectConfig struct {
	Initial         time.Duration `yaml:"initial"`
	Max             time.Duration `yaml:"max"`
	ReportDropAfter int           `yaml:"report_drop_after"`
}

// RunnerConfig names the command that executes job payloads. Kinds optionally
// maps a payload "kind" value to a dedicated command, mirroring the original
// system's per-module runners.
type RunnerConfig struct {
	Command string            `yaml:"command"`
	Kinds   map[string]string `yaml:"kinds,omitempty"`
	Timeout time.Duration     `yaml:"timeout"`
}

// WorkspaceConfig controls per-job scratch directories.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
	Keep bool   `yaml:"keep"`
}

// JournalConfig controls the local SQLite journal of terminal job outcomes.
// The journal is observability only; it is never read to resume work.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines the local read-only status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token,omitempty"`
}

// Defaults returns a Config with every optional knob at its default.
// LighthouseServer has no default: it is the one required field.
func Defaults() *Config {
	return &Config{
		MaxJobs: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Heartbeat: 10 * time.Second,
		Reconnect: ReconnectConfig{
			Initial:         1 * time.Second,
			Max:             60 * time.Second,
			ReportDropAfter: 10,
		},
		Runner: RunnerConfig{
			Command: "spark-runner",
			Timeout: 1 * time.Hour,
		},
		Workspace: WorkspaceConfig{
			Root: "./data/workspaces",
		},
		Journal: JournalConfig{
			Path:      "./data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:7621",
		},
		ShutdownGrace: 30 * time.Second,
	}
}

// MaxJobsClamped reports whether the configured MaxJobs was out of range and
// got clamped to 1 during load.
func (c *Config) MaxJobsClamped() bool {
	return c.rawMaxJobs != 0 && c.rawMaxJobs != c.MaxJobs
}

// RawMaxJobs returns the pre-clamp MaxJobs value for diagnostics.
func (c *Config) RawMaxJobs() int {
	return c.rawMaxJobs
}
