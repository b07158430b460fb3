package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration the agent cannot start with: a parse failure
// or a value validation rejects. Always startup-fatal.
var ErrInvalid = errors.New("invalid configuration")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. YAML and the legacy JSON
// format are both accepted; JSON documents parse through the YAML reader
// unchanged.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	// Apply environment variable interpolation before parsing.
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot parse %s: %v", ErrInvalid, absPath, err)
	}

	applyDefaults(&cfg)
	clampMaxJobs(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return &cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $SPARK_CONFIG, /etc/spark/spark.yaml,
// /etc/laniakea/spark.json (legacy), ./spark.yaml.
func Discover() (string, error) {
	if path := os.Getenv("SPARK_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("$SPARK_CONFIG points to %s but it is not readable", path)
	}

	candidates := []string{
		"/etc/spark/spark.yaml",
		"/etc/laniakea/spark.json",
		"./spark.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $SPARK_CONFIG, %s)",
		strings.Join(candidates, ", "))
}

// applyDefaults merges default values into cfg where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaults.Heartbeat
	}
	if cfg.Reconnect.Initial == 0 {
		cfg.Reconnect.Initial = defaults.Reconnect.Initial
	}
	if cfg.Reconnect.Max == 0 {
		cfg.Reconnect.Max = defaults.Reconnect.Max
	}
	if cfg.Reconnect.ReportDropAfter == 0 {
		cfg.Reconnect.ReportDropAfter = defaults.Reconnect.ReportDropAfter
	}
	if cfg.Runner.Command == "" {
		cfg.Runner.Command = defaults.Runner.Command
	}
	if cfg.Runner.Timeout == 0 {
		cfg.Runner.Timeout = defaults.Runner.Timeout
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = defaults.Workspace.Root
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.Journal.Retention == 0 {
		cfg.Journal.Retention = defaults.Journal.Retention
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = defaults.ShutdownGrace
	}
}

// clampMaxJobs enforces the capacity range the original agent enforced:
// anything non-positive or above 100 becomes 1.
func clampMaxJobs(cfg *Config) {
	cfg.rawMaxJobs = cfg.MaxJobs
	if cfg.MaxJobs <= 0 || cfg.MaxJobs > 100 {
		cfg.MaxJobs = 1
	}
}

// DispatcherAddr returns the lighthouse address as host:port, stripping an
// optional tcp:// scheme carried over from legacy configs.
func (c *Config) DispatcherAddr() string {
	return strings.TrimPrefix(c.LighthouseServer, "tcp://")
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (caught by validation).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.LighthouseServer == "" {
		return fmt.Errorf("LighthouseServer is required")
	}
	if envVarPattern.MatchString(cfg.LighthouseServer) {
		matches := envVarPattern.FindStringSubmatch(cfg.LighthouseServer)
		return fmt.Errorf("LighthouseServer: environment variable ${%s} is not set", matches[1])
	}
	if _, _, err := net.SplitHostPort(cfg.DispatcherAddr()); err != nil {
		return fmt.Errorf("LighthouseServer must be host:port (got %q): %w",
			cfg.LighthouseServer, err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if f := strings.ToLower(cfg.Log.Format); f != "json" && f != "text" {
		return fmt.Errorf("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	if cfg.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if cfg.Reconnect.Initial <= 0 {
		return fmt.Errorf("reconnect.initial must be positive")
	}
	if cfg.Reconnect.Max < cfg.Reconnect.Initial {
		return fmt.Errorf("reconnect.max must be >= reconnect.initial")
	}
	if cfg.Reconnect.ReportDropAfter < 1 {
		return fmt.Errorf("reconnect.report_drop_after must be at least 1")
	}

	if cfg.Runner.Command == "" {
		return fmt.Errorf("runner.command must not be empty")
	}
	if cfg.Runner.Timeout <= 0 {
		return fmt.Errorf("runner.timeout must be positive")
	}
	if cfg.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be positive")
	}
	if cfg.Journal.Retention <= 0 {
		return fmt.Errorf("journal.retention must be positive")
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen must be host:port (got %q): %w", cfg.API.Listen, err)
		}
		if envVarPattern.MatchString(cfg.API.Token) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Token)
			return fmt.Errorf("api.token: environment variable ${%s} is not set", matches[1])
		}
	}

	return nil
}
