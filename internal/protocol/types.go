package protocol

import (
	"encoding/json"
	"fmt"
)

// Type tags an Envelope. The set is closed: anything else inbound is a
// protocol error, logged and dropped without tearing down the session.
type Type string

const (
	TypeHello     Type = "hello"
	TypeJobOffer  Type = "job_offer"
	TypeJobAccept Type = "job_accept"
	TypeJobReject Type = "job_reject"
	TypeJobResult Type = "job_result"
	TypeHeartbeat Type = "heartbeat"
	TypeBye       Type = "bye"
)

// ResultStatus is the terminal status carried in a JobResult.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Envelope is the only structure crossing the dispatcher boundary: one JSON
// object per frame, a type tag plus a type-specific payload.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hello announces agent identity and capacity. It must be the first frame of
// every connection. Session is an agent-generated UUID so the dispatcher can
// correlate log lines across reconnects.
type Hello struct {
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
	Capacity    int    `json:"capacity"`
	Session     string `json:"session,omitempty"`
}

// JobOffer is the dispatcher offering one job. The payload is opaque to the
// agent core; only the runner interprets it.
type JobOffer struct {
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// JobAccept acknowledges an offer the agent has dispatched to a worker.
type JobAccept struct {
	JobID string `json:"job_id"`
}

// JobReject declines an offer, typically because capacity is exhausted.
type JobReject struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// JobResult reports the terminal outcome of an accepted job. Output carries
// the runner's stdout for completed jobs; OutputDigest is its BLAKE3 hex
// digest. ErrorInfo is set for failed jobs.
type JobResult struct {
	JobID        string       `json:"job_id"`
	Status       ResultStatus `json:"status"`
	Output       string       `json:"output,omitempty"`
	OutputDigest string       `json:"output_digest,omitempty"`
	ErrorInfo    string       `json:"error_info,omitempty"`
}

// Heartbeat is an empty liveness frame, sent whenever the channel has been
// quiet for the configured interval.
type Heartbeat struct{}

// Bye is the best-effort goodbye sent on clean shutdown.
type Bye struct {
	MachineID string `json:"machine_id"`
}

// Validate checks required fields after decode.
func (h *Hello) Validate() error {
	if h.MachineID == "" {
		return fmt.Errorf("hello missing required field: machine_id")
	}
	if h.Capacity < 1 || h.Capacity > 100 {
		return fmt.Errorf("hello capacity out of range: %d", h.Capacity)
	}
	return nil
}

func (o *JobOffer) Validate() error {
	if o.JobID == "" {
		return fmt.Errorf("job_offer missing required field: job_id")
	}
	return nil
}

func (a *JobAccept) Validate() error {
	if a.JobID == "" {
		return fmt.Errorf("job_accept missing required field: job_id")
	}
	return nil
}

func (r *JobReject) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("job_reject missing required field: job_id")
	}
	return nil
}

func (r *JobResult) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("job_result missing required field: job_id")
	}
	if r.Status != ResultCompleted && r.Status != ResultFailed {
		return fmt.Errorf("job_result invalid status: %q (must be %q or %q)",
			r.Status, ResultCompleted, ResultFailed)
	}
	if r.Status == ResultFailed && r.ErrorInfo == "" {
		return fmt.Errorf("job_result has status=failed but no error_info")
	}
	return nil
}

func (h *Heartbeat) Validate() error { return nil }

func (b *Bye) Validate() error {
	if b.MachineID == "" {
		return fmt.Errorf("bye missing required field: machine_id")
	}
	return nil
}
