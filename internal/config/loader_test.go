package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		body     string
		env      map[string]string
		wantErr  bool
		checkFn  func(t *testing.T, cfg *Config)
	}{
		{
			name:     "minimal valid config applies defaults",
			filename: "spark.yaml",
			body: `
LighthouseServer: lighthouse.example.org:5570
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.MaxJobs != 1 {
					t.Errorf("default MaxJobs: want 1, got %d", cfg.MaxJobs)
				}
				if cfg.Heartbeat != 10*time.Second {
					t.Errorf("default heartbeat: want 10s, got %v", cfg.Heartbeat)
				}
				if cfg.Reconnect.Max != 60*time.Second {
					t.Errorf("default reconnect.max: want 60s, got %v", cfg.Reconnect.Max)
				}
				if cfg.Runner.Command != "spark-runner" {
					t.Errorf("default runner.command not applied: %q", cfg.Runner.Command)
				}
				if cfg.API.Enabled {
					t.Error("API must default to disabled")
				}
			},
		},
		{
			name:     "full config parses",
			filename: "spark.yaml",
			body: `
MachineName: builder-7
LighthouseServer: tcp://lighthouse.example.org:5570
MaxJobs: 4
heartbeat_interval: 5s
reconnect:
  initial: 500ms
  max: 30s
  report_drop_after: 3
runner:
  command: /usr/libexec/spark-runner
  kinds:
    iso_build: /usr/libexec/spark-iso-build
  timeout: 20m
workspace:
  root: /var/lib/spark/workspaces
journal:
  path: /var/lib/spark/journal.db
  retention: 168h
api:
  enabled: true
  listen: 127.0.0.1:7621
shutdown_grace: 10s
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.MachineName != "builder-7" {
					t.Errorf("MachineName not parsed: %q", cfg.MachineName)
				}
				if cfg.MaxJobs != 4 {
					t.Errorf("MaxJobs: want 4, got %d", cfg.MaxJobs)
				}
				if cfg.DispatcherAddr() != "lighthouse.example.org:5570" {
					t.Errorf("tcp:// scheme not stripped: %q", cfg.DispatcherAddr())
				}
				if cfg.Reconnect.Initial != 500*time.Millisecond {
					t.Errorf("reconnect.initial not parsed: %v", cfg.Reconnect.Initial)
				}
				if cfg.Runner.Kinds["iso_build"] != "/usr/libexec/spark-iso-build" {
					t.Errorf("runner.kinds not parsed: %#v", cfg.Runner.Kinds)
				}
				if cfg.Journal.Retention != 168*time.Hour {
					t.Errorf("journal.retention not parsed: %v", cfg.Journal.Retention)
				}
			},
		},
		{
			name:     "legacy JSON config loads unchanged",
			filename: "spark.json",
			body:     `{"MachineName": "legacy-node", "LighthouseServer": "10.4.0.2:5570", "MaxJobs": 8}`,
			wantErr:  false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.MachineName != "legacy-node" {
					t.Errorf("MachineName not parsed from JSON: %q", cfg.MachineName)
				}
				if cfg.MaxJobs != 8 {
					t.Errorf("MaxJobs: want 8, got %d", cfg.MaxJobs)
				}
				if cfg.LighthouseServer != "10.4.0.2:5570" {
					t.Errorf("LighthouseServer not parsed from JSON: %q", cfg.LighthouseServer)
				}
			},
		},
		{
			name:     "env var interpolation",
			filename: "spark.yaml",
			body: `
LighthouseServer: ${LH_ADDR}
api:
  enabled: true
  listen: 127.0.0.1:7621
  token: ${API_TOKEN}
`,
			env: map[string]string{
				"LH_ADDR":   "lighthouse.internal:5570",
				"API_TOKEN": "secret123",
			},
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.LighthouseServer != "lighthouse.internal:5570" {
					t.Errorf("env var not interpolated: %q", cfg.LighthouseServer)
				}
				if cfg.API.Token != "secret123" {
					t.Errorf("env var not interpolated in api.token: %q", cfg.API.Token)
				}
			},
		},
		{
			name:     "missing LighthouseServer fails",
			filename: "spark.yaml",
			body: `
MachineName: builder-7
MaxJobs: 2
`,
			wantErr: true,
		},
		{
			name:     "address without port fails",
			filename: "spark.yaml",
			body: `
LighthouseServer: lighthouse.example.org
`,
			wantErr: true,
		},
		{
			name:     "unresolved env var in address fails",
			filename: "spark.yaml",
			body: `
LighthouseServer: ${NOT_SET_ANYWHERE}
`,
			wantErr: true,
		},
		{
			name:     "invalid log level fails",
			filename: "spark.yaml",
			body: `
LighthouseServer: lighthouse.example.org:5570
log:
  level: loud
`,
			wantErr: true,
		},
		{
			name:     "api enabled with bad listen fails",
			filename: "spark.yaml",
			body: `
LighthouseServer: lighthouse.example.org:5570
api:
  enabled: true
  listen: not-an-address
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, tt.filename)
			if err := os.WriteFile(configPath, []byte(tt.body), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)

			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadMarksInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "spark.yaml")
	if err := os.WriteFile(configPath, []byte("MachineName: builder-7\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(configPath); !errors.Is(err, ErrInvalid) {
		t.Errorf("validation failure should wrap ErrInvalid, got %v", err)
	}

	badPath := filepath.Join(tmpDir, "broken.yaml")
	if err := os.WriteFile(badPath, []byte("LighthouseServer: [unclosed\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(badPath); !errors.Is(err, ErrInvalid) {
		t.Errorf("parse failure should wrap ErrInvalid, got %v", err)
	}
}

func TestLoadClampsMaxJobs(t *testing.T) {
	tests := []struct {
		name        string
		maxJobs     string
		want        int
		wantClamped bool
	}{
		{name: "zero clamps to one", maxJobs: "0", want: 1, wantClamped: false},
		{name: "negative clamps to one", maxJobs: "-3", want: 1, wantClamped: true},
		{name: "over limit clamps to one", maxJobs: "500", want: 1, wantClamped: true},
		{name: "upper bound is kept", maxJobs: "100", want: 100, wantClamped: false},
		{name: "in range is kept", maxJobs: "16", want: 16, wantClamped: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "spark.yaml")
			body := "LighthouseServer: lighthouse.example.org:5570\nMaxJobs: " + tt.maxJobs + "\n"
			if err := os.WriteFile(configPath, []byte(body), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.MaxJobs != tt.want {
				t.Errorf("MaxJobs: want %d, got %d", tt.want, cfg.MaxJobs)
			}
			if cfg.MaxJobsClamped() != tt.wantClamped {
				t.Errorf("MaxJobsClamped(): want %v, got %v", tt.wantClamped, cfg.MaxJobsClamped())
			}
		})
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "addr: ${LH_HOST}:5570",
			env:   map[string]string{"LH_HOST": "lighthouse.internal"},
			want:  "addr: lighthouse.internal:5570",
		},
		{
			name:  "multiple vars",
			input: "${A}:${B}",
			env:   map[string]string{"A": "x", "B": "y"},
			want:  "x:y",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${UNDEFINED}",
			env:   map[string]string{},
			want:  "key: ${UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			env:   map[string]string{},
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}
			if got := interpolateEnv(tt.input); got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "spark.yaml")
	if err := os.WriteFile(configPath, []byte("LighthouseServer: h:1\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	os.Setenv("SPARK_CONFIG", configPath)
	defer os.Unsetenv("SPARK_CONFIG")

	got, err := Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got != configPath {
		t.Errorf("Discover() = %q, want %q", got, configPath)
	}

	os.Setenv("SPARK_CONFIG", filepath.Join(tmpDir, "missing.yaml"))
	if _, err := Discover(); err == nil {
		t.Error("Discover() should fail when $SPARK_CONFIG points at a missing file")
	}
}
