package engine

import (
	"sync/atomic"
	"time"

	"github.com/lkhq/spark/internal/worker"
)

// Counters are cumulative since process start.
type Counters struct {
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	OrphanReports uint64 `json:"orphan_reports"`
	Crashes       uint64 `json:"crashes"`
	Reconnects    uint64 `json:"reconnects"`
}

// Status is the engine's published snapshot, rebuilt after every loop
// iteration and read lock-free by the HTTP API and the monitor.
type Status struct {
	MachineID      string                `json:"machine_id"`
	MachineName    string                `json:"machine_name"`
	Dispatcher     string                `json:"dispatcher"`
	Connected      bool                  `json:"connected"`
	SessionID      string                `json:"session_id,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	Capacity       int                   `json:"capacity"`
	LiveWorkers    int                   `json:"live_workers"`
	BusyWorkers    int                   `json:"busy_workers"`
	InFlight       int                   `json:"in_flight"`
	PendingReports int                   `json:"pending_reports"`
	Workers        []worker.WorkerStatus `json:"workers"`
	Counters       Counters              `json:"counters"`
}

// statusCell is the atomic publish point between the loop and its readers.
type statusCell struct {
	p atomic.Pointer[Status]
}

func (c *statusCell) publish(s *Status) { c.p.Store(s) }
func (c *statusCell) load() *Status     { return c.p.Load() }

// publishStatus snapshots loop-owned state. Called only from the loop
// goroutine.
func (e *Engine) publishStatus() {
	s := &Status{
		MachineID:      e.identity.MachineID,
		MachineName:    e.identity.MachineName,
		Dispatcher:     e.cfg.DispatcherAddr(),
		Connected:      e.session != nil,
		SessionID:      e.sessionID,
		StartedAt:      e.startedAt,
		Capacity:       e.cfg.MaxJobs,
		InFlight:       len(e.inflight),
		PendingReports: len(e.pending),
		Counters:       e.counters,
	}
	if e.pool != nil {
		s.LiveWorkers = e.pool.LiveCount()
		s.BusyWorkers = e.pool.BusyCount()
		s.Workers = e.pool.Snapshot()
	}
	e.status.publish(s)
}
