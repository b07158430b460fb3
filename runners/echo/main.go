// The echo runner is the reference implementation of the agent's runner
// contract: the job payload arrives as one JSON object on stdin, the job's
// result leaves on stdout, and a non-zero exit marks the job failed with
// stderr as the error detail. The agent supplies SPARK_JOB_ID and
// SPARK_WORKSPACE in the environment and runs the process inside the
// workspace directory.
//
// It is meant for smoke-testing an agent install: point runner.command at
// this binary and offer it payloads.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultMessage = "echo runner alive"

// payload is the slice of the job payload this runner understands. Anything
// else in the object is ignored, matching the agent's view of payloads as
// opaque.
type payload struct {
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	SleepMS  int    `json:"sleep_ms,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

type result struct {
	JobID      string `json:"job_id"`
	Message    string `json:"message"`
	Mode       string `json:"mode"`
	Artifact   string `json:"artifact,omitempty"`
	FinishedAt string `json:"finished_at"`
}

func main() {
	os.Exit(run(os.Stdin, os.Stdout, os.Stderr))
}

func run(stdin io.Reader, stdout, stderr io.Writer) int {
	p, err := readPayload(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "invalid payload JSON: %v\n", err)
		return 2
	}

	mode := p.Mode
	if mode == "" {
		mode = "ok"
	}

	switch mode {
	case "fail":
		msg := p.Error
		if msg == "" {
			msg = "echo runner failing on request"
		}
		fmt.Fprintln(stderr, msg)
		if p.ExitCode > 0 {
			return p.ExitCode
		}
		return 1

	case "sleep":
		ms := p.SleepMS
		if ms <= 0 {
			ms = 1000
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)

	case "ok":
		// fall through to the result below

	default:
		fmt.Fprintf(stderr, "unknown mode %q (expected ok, fail, sleep)\n", p.Mode)
		return 2
	}

	res := result{
		JobID:      os.Getenv("SPARK_JOB_ID"),
		Message:    p.Message,
		Mode:       mode,
		FinishedAt: nowISO(),
	}
	if res.Message == "" {
		res.Message = defaultMessage
	}

	if p.Artifact != "" {
		path, err := writeArtifact(p.Artifact, res.Message)
		if err != nil {
			fmt.Fprintf(stderr, "write artifact: %v\n", err)
			return 1
		}
		res.Artifact = path
	}

	if err := json.NewEncoder(stdout).Encode(res); err != nil {
		fmt.Fprintf(stderr, "encode result: %v\n", err)
		return 1
	}
	return 0
}

// readPayload decodes the single payload object from stdin. No input at all
// is fine; the agent sends nothing for jobs with an empty payload.
func readPayload(r io.Reader) (payload, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return payload{}, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return payload{}, nil
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, err
	}
	return p, nil
}

// writeArtifact drops a file into the workspace and returns its path. Jobs
// without a workspace skip the artifact rather than failing.
func writeArtifact(name, content string) (string, error) {
	dir := os.Getenv("SPARK_WORKSPACE")
	if dir == "" {
		return "", nil
	}
	if filepath.Base(name) != name {
		return "", fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
