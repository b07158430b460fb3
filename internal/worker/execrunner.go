package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/lkhq/spark/internal/config"
	"github.com/lkhq/spark/internal/log"
)

const (
	// maxOutputBytes caps the stdout captured as a job's result. The wire
	// frame limit is 1 MiB including JSON escaping, so the raw cap sits
	// well below it.
	maxOutputBytes = 128 * 1024

	// maxStderrBytes caps the stderr captured for diagnostics.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time between SIGTERM and SIGKILL when a
	// job runs past its deadline or is canceled.
	terminationGracePeriod = 5 * time.Second
)

// ExecRunner executes each job as a subprocess: payload JSON on stdin,
// result on stdout. The command is configurable globally and per payload
// kind, echoing the original system's per-module runners.
type ExecRunner struct {
	command    string
	kinds      map[string]string
	timeout    time.Duration
	workspaces *Workspaces
	keep       bool
	logger     *slog.Logger
}

// NewExecRunner builds a subprocess runner from config. workspaces may be nil
// to run jobs without scratch directories.
func NewExecRunner(cfg config.RunnerConfig, workspaces *Workspaces, keep bool) *ExecRunner {
	return &ExecRunner{
		command:    cfg.Command,
		kinds:      cfg.Kinds,
		timeout:    cfg.Timeout,
		workspaces: workspaces,
		keep:       keep,
		logger:     log.WithComponent("runner"),
	}
}

// Run executes one job to completion, enforcing the configured timeout with
// SIGTERM, a grace period, then SIGKILL.
func (r *ExecRunner) Run(ctx context.Context, job Job) ([]byte, error) {
	command := r.commandFor(job.Payload)
	jobLogger := r.logger.With("job_id", job.ID, "command", command)

	var dir string
	if r.workspaces != nil {
		var err error
		dir, err = r.workspaces.Create(job.ID)
		if err != nil {
			return nil, fmt.Errorf("workspace: %w", err)
		}
		if !r.keep {
			defer func() {
				if err := r.workspaces.Remove(job.ID); err != nil {
					jobLogger.Warn("failed to remove workspace", "error", err)
				}
			}()
		}
	}

	// Timeout is enforced by hand rather than CommandContext so the child
	// gets SIGTERM and a grace period before SIGKILL.
	timeoutTimer := time.NewTimer(r.timeout)
	defer timeoutTimer.Stop()

	cmd := exec.Command(command)
	cmd.Env = append(os.Environ(),
		"SPARK_JOB_ID="+job.ID,
		"SPARK_WORKSPACE="+dir,
	)
	if dir != "" {
		cmd.Dir = dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	jobLogger.Debug("spawning runner", "timeout", r.timeout)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if len(job.Payload) == 0 {
			writeErr <- nil
			return
		}
		if _, err := stdin.Write(append(job.Payload, '\n')); err != nil {
			writeErr <- fmt.Errorf("write payload: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		r.terminate(cmd, waitErr, jobLogger, "runner timed out")
		return nil, fmt.Errorf("runner timed out after %v", r.timeout)

	case <-ctx.Done():
		r.terminate(cmd, waitErr, jobLogger, "job canceled")
		return nil, fmt.Errorf("job canceled: %w", ctx.Err())

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, werr
		}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return nil, fmt.Errorf("runner exited with status %d: %s",
					exitErr.ExitCode(), truncate(stderr.String(), maxStderrBytes))
			}
			return nil, fmt.Errorf("wait for runner: %w", err)
		}

		out := stdout.Bytes()
		if len(out) > maxOutputBytes {
			jobLogger.Warn("runner output truncated", "bytes", len(out), "cap", maxOutputBytes)
			out = out[:maxOutputBytes]
		}
		return out, nil
	}
}

// terminate sends SIGTERM, waits the grace period, then SIGKILLs.
func (r *ExecRunner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger, reason string) {
	logger.Warn(reason+", sending SIGTERM", "pid", pidOf(cmd))
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("runner exited after SIGTERM")
	case <-grace.C:
		logger.Warn("runner did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// commandFor selects the runner command, honoring an optional "kind" field in
// the payload when a per-kind command is configured. The payload stays opaque
// otherwise: anything that is not an object with a kind falls through to the
// default command.
func (r *ExecRunner) commandFor(payload json.RawMessage) string {
	if len(r.kinds) == 0 || len(payload) == 0 {
		return r.command
	}
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Kind == "" {
		return r.command
	}
	if cmd, ok := r.kinds[probe.Kind]; ok {
		return cmd
	}
	return r.command
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func pidOf(cmd *exec.Cmd) int {
	if cmd.Process == nil {
		return 0
	}
	return cmd.Process.Pid
}
