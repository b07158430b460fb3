package worker

import "encoding/json"

// Job is one unit of work as offered by the dispatcher. The payload is
// opaque to the agent; only the runner interprets it.
type Job struct {
	ID      string
	Payload json.RawMessage
}

// State tracks a worker slot through its lifecycle.
type State string

const (
	StateSpawned    State = "spawned"
	StateIdle       State = "idle"
	StateBusy       State = "busy"
	StateTerminated State = "terminated"
)

// Status is the terminal outcome a worker reports for a job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is a worker's terminal report for one job, carried over the pool's
// shared channel. Digest is the BLAKE3 hex digest of Output, computed on the
// worker goroutine so the routing loop never hashes.
type Result struct {
	WorkerID  int
	JobID     string
	Status    Status
	Output    []byte
	Digest    string
	ErrorInfo string
}

// Event is one frame on the pool's shared internal channel, worker to pool.
// Exactly one of Result or Crash is set: Result is a normal terminal report,
// Crash means the execution context itself died and the slot needs a respawn.
type Event struct {
	WorkerID int
	Result   *Result
	Crash    error
}

// WorkerStatus is a read-only view of one slot for status reporting.
type WorkerStatus struct {
	ID       int    `json:"id"`
	State    State  `json:"state"`
	JobID    string `json:"job_id,omitempty"`
	Respawns int    `json:"respawns"`
}
