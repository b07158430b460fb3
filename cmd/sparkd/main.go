package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/lkhq/spark/internal/api"
	"github.com/lkhq/spark/internal/config"
	"github.com/lkhq/spark/internal/doctor"
	"github.com/lkhq/spark/internal/engine"
	"github.com/lkhq/spark/internal/events"
	"github.com/lkhq/spark/internal/journal"
	"github.com/lkhq/spark/internal/lock"
	"github.com/lkhq/spark/internal/log"
	"github.com/lkhq/spark/internal/storage"
	"github.com/lkhq/spark/internal/tui"
	"github.com/lkhq/spark/internal/tui/watch"
	"github.com/lkhq/spark/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return 0
		}
		return runRun(args)
	case "monitor":
		if hasHelpFlag(args) {
			printMonitorHelp()
			return 0
		}
		return runMonitor(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: sparkd version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("sparkd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`sparkd - Local job-execution agent for a lighthouse dispatcher

Usage:
  sparkd <command> [flags]

Commands:
  run               Run the agent in the foreground
  monitor           Real-time agent monitoring TUI
  config check      Validate configuration against this host
  config show       Print the effective configuration
  job log           Show recent journal entries
  job browse        Interactive journal browser TUI
  version           Show version information

General:
  --version         Show version information
  help              Show this help message

Use 'sparkd <command> --help' for command-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "log":
		if hasHelpFlag(actionArgs) {
			printJobLogHelp()
			return 0
		}
		return runJobLog(actionArgs)
	case "browse":
		if hasHelpFlag(actionArgs) {
			printJobBrowseHelp()
			return 0
		}
		return runJobBrowse(actionArgs)
	case "help":
		printJobNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: sparkd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: sparkd job <action> [flags]")
	fmt.Fprintln(w, "Actions: log, browse")
}

func printRunHelp() {
	fmt.Println("Usage: sparkd run [--config PATH] [--log-level LEVEL]")
	fmt.Println("Run the agent in the foreground: register with the lighthouse,")
	fmt.Println("accept jobs up to capacity, relay results. Ctrl+C to stop.")
}

func printMonitorHelp() {
	fmt.Println("Usage: sparkd monitor [flags]")
	fmt.Println()
	fmt.Println("Real-time agent monitoring TUI over the local status API.")
	fmt.Println("Shows session state, the worker table, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api URL      Agent API URL (default: http://127.0.0.1:7621)")
	fmt.Println("  --token T      API bearer token (or SPARK_API_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C      Quit")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: sparkd config check [--config PATH] [--json]")
	fmt.Println("Validate the configuration against this host: dispatcher address,")
	fmt.Println("machine identity, runner command, workspace and journal paths.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  All checks passed")
	fmt.Println("  1  One or more errors")
	fmt.Println("  2  Warnings only")
}

func printConfigShowHelp() {
	fmt.Println("Usage: sparkd config show [--config PATH] [--json]")
	fmt.Println("Print the effective configuration after defaults and clamping.")
	fmt.Println("The API token is redacted.")
}

func printJobLogHelp() {
	fmt.Println("Usage: sparkd job log [JOB_ID] [--config PATH] [-n N] [--json]")
	fmt.Println("Show recent journal entries, newest first. With JOB_ID, show every")
	fmt.Println("entry recorded for that job, oldest first.")
}

func printJobBrowseHelp() {
	fmt.Println("Usage: sparkd job browse [flags]")
	fmt.Println()
	fmt.Println("Interactive journal browser over the local status API.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api URL      Agent API URL (default: http://127.0.0.1:7621)")
	fmt.Println("  --token T      API bearer token (or SPARK_API_TOKEN env var)")
}

// --- ACTION IMPLEMENTATIONS ---

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.Discover()
}

func getPIDLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Journal.Path), "sparkd.pid")
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	logLevel := fs.String("log-level", "", "Override log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("main")
	logger.Info("sparkd starting", "version", version, "config", resolved)

	identity, err := config.ResolveIdentity(config.DefaultIdentitySource(), cfg)
	if err != nil {
		logger.Error("cannot resolve machine identity", "error", err)
		return 1
	}

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Error("another agent holds the lock", "path", pidLockPath, "error", err)
		} else {
			logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		}
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open journal database", "path", cfg.Journal.Path, "error", err)
		return 1
	}
	defer db.Close()
	jnl := journal.New(db)
	logger.Info("journal opened", "path", cfg.Journal.Path)

	workspaces, err := worker.NewWorkspaces(cfg.Workspace.Root)
	if err != nil {
		logger.Error("failed to initialize workspace root", "root", cfg.Workspace.Root, "error", err)
		return 1
	}

	// Workspaces left behind by earlier runs age out on the journal's
	// retention clock, so kept ones stay inspectable for a while.
	if cfg.Journal.Retention > 0 {
		if swept, err := workspaces.Sweep(cfg.Journal.Retention); err != nil {
			logger.Warn("workspace sweep failed", "error", err)
		} else if swept > 0 {
			logger.Info("swept stale workspaces", "count", swept)
		}
	}

	hub := events.NewHub(256)
	runner := worker.NewExecRunner(cfg.Runner, workspaces, cfg.Workspace.Keep)
	eng := engine.New(cfg, identity, worker.NewGoRuntime(runner), jnl, hub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	engineDone := make(chan error, 1)

	go func() {
		engineDone <- eng.Run(ctx)
	}()

	if cfg.API.Enabled {
		apiServer := api.New(cfg.API, eng, jnl, hub)
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("sparkd running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine shutdown error", "error", err)
			return 1
		}
	case err := <-engineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine failed", "error", err)
			return 1
		}
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		<-engineDone
		return 1
	}

	logger.Info("sparkd stopped")
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:7621", "Agent API URL")
	token := fs.String("token", os.Getenv("SPARK_API_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL, *token)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runJobBrowse(args []string) int {
	fs := flag.NewFlagSet("job browse", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:7621", "Agent API URL")
	token := fs.String("token", os.Getenv("SPARK_API_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := tui.NewJobsBrowser(*apiURL, *token)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		// Parse failure is itself a failed check; report it in the same shape.
		result := &doctor.Result{
			Valid:  false,
			Errors: []doctor.Issue{{Category: "config", Message: err.Error()}},
		}
		printDoctorResult(result, *jsonOut)
		return 1
	}

	result := doctor.New(cfg, config.DefaultIdentitySource()).Validate()
	printDoctorResult(result, *jsonOut)

	if !result.Valid {
		return 1
	}
	if len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func printDoctorResult(result *doctor.Result, jsonOut bool) {
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return
		}
		fmt.Println(out)
		return
	}
	fmt.Print(doctor.FormatHuman(result))
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	shown := *cfg
	if shown.API.Token != "" {
		shown.API.Token = "<redacted>"
	}

	if *jsonOut {
		data, err := json.MarshalIndent(shown, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	data, err := yaml.Marshal(shown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runJobLog(args []string) int {
	fs := flag.NewFlagSet("job log", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("n", 20, "Number of entries to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: sparkd job log [JOB_ID] [--config PATH] [-n N] [--json]")
		return 1
	}

	resolved, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()
	jnl := journal.New(db)

	var entries []journal.Entry
	if fs.NArg() == 1 {
		entries, err = jnl.ForJob(ctx, fs.Arg(0))
	} else {
		entries, err = jnl.Recent(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No journal entries.")
		return 0
	}
	for _, e := range entries {
		fmt.Println(formatJournalEntry(e))
	}
	return 0
}

func formatJournalEntry(e journal.Entry) string {
	var flags []string
	if e.Orphaned {
		flags = append(flags, "orphan")
	}
	if !e.Relayed {
		flags = append(flags, "local")
	}

	line := fmt.Sprintf("%s  %-9s  %-20s  worker %d",
		e.FinishedAt.Local().Format("2006-01-02 15:04:05"),
		e.Status, e.JobID, e.WorkerID)
	if len(flags) > 0 {
		line += "  [" + strings.Join(flags, ",") + "]"
	}
	if e.ErrorInfo != "" {
		line += "\n    error: " + e.ErrorInfo
	}
	return line
}
