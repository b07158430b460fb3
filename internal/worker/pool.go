package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lkhq/spark/internal/log"
)

// ErrNoWorkers means pool initialization could not spawn a single worker.
// Degraded capacity is survivable; zero capacity is not.
var ErrNoWorkers = errors.New("no workers could be spawned")

// Pool owns the bounded worker collection and all capacity accounting.
// Every mutating method is called from the single routing goroutine, so the
// pool holds no locks; workers talk back exclusively through the shared
// events channel.
type Pool struct {
	runtime      Runtime
	capacity     int
	respawnLimit int
	logger       *slog.Logger

	events chan Event
	slots  []*slot
}

type slot struct {
	id       int
	state    State
	job      *Job
	handle   Handle
	respawns int
}

// NewPool builds a pool of capacity workers backed by rt. respawnLimit bounds
// how many times a single slot is revived after crashes before it is
// terminated for good.
func NewPool(rt Runtime, capacity, respawnLimit int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = log.WithComponent("pool")
	}
	return &Pool{
		runtime:      rt,
		capacity:     capacity,
		respawnLimit: respawnLimit,
		logger:       logger,
		events:       make(chan Event, capacity*2),
		slots:        make([]*slot, 0, capacity),
	}
}

// Init spawns the workers, all starting Idle. Spawn failures degrade
// capacity rather than aborting; only a pool with zero live workers errors.
func (p *Pool) Init() error {
	for i := 0; i < p.capacity; i++ {
		s := &slot{id: i, state: StateSpawned}
		p.slots = append(p.slots, s)

		handle, err := p.runtime.Spawn(i, p.events)
		if err != nil {
			p.logger.Warn("failed to spawn worker", "worker", i, "error", err)
			s.state = StateTerminated
			continue
		}
		s.handle = handle
		s.state = StateIdle
	}

	live := p.LiveCount()
	if live == 0 {
		return fmt.Errorf("spawn %d workers: %w", p.capacity, ErrNoWorkers)
	}
	if live < p.capacity {
		p.logger.Warn("pool started at reduced capacity", "live", live, "configured", p.capacity)
	}
	return nil
}

// Events is the shared internal channel carrying worker reports.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// AcquireIdle returns an Idle worker atomically marked Busy, or false when
// none is available.
func (p *Pool) AcquireIdle() (int, bool) {
	for _, s := range p.slots {
		if s.state == StateIdle {
			s.state = StateBusy
			return s.id, true
		}
	}
	return 0, false
}

// Release returns an acquired worker to Idle without a result, used when a
// dispatch is abandoned before the worker ever saw the job.
func (p *Pool) Release(workerID int) {
	s := p.slot(workerID)
	if s == nil || s.state != StateBusy {
		return
	}
	s.job = nil
	s.state = StateIdle
}

// Dispatch hands job to an acquired worker's execution context.
func (p *Pool) Dispatch(workerID int, job Job) error {
	s := p.slot(workerID)
	if s == nil {
		return fmt.Errorf("no such worker: %d", workerID)
	}
	if s.state != StateBusy {
		return fmt.Errorf("worker %d is %s, not acquired", workerID, s.state)
	}
	if s.job != nil {
		return fmt.Errorf("worker %d already holds job %s", workerID, s.job.ID)
	}
	if err := s.handle.Dispatch(job); err != nil {
		return err
	}
	s.job = &job
	return nil
}

// OnResult records a worker's terminal report: the slot returns to Idle for
// reuse. It reports false when the result does not match the slot's current
// assignment, in which case the caller must not relay it.
func (p *Pool) OnResult(res *Result) bool {
	s := p.slot(res.WorkerID)
	if s == nil || s.state != StateBusy || s.job == nil || s.job.ID != res.JobID {
		p.logger.Warn("dropping result that matches no assignment",
			"worker", res.WorkerID, "job_id", res.JobID)
		return false
	}
	s.job = nil
	s.state = StateIdle
	return true
}

// OnCrash handles abnormal termination of a worker's execution context. The
// slot is respawned within its budget, else terminated permanently. The
// orphaned job, if one was assigned, is returned so the caller can report it
// failed exactly once.
func (p *Pool) OnCrash(workerID int, cause error) (orphan *Job, respawned bool) {
	s := p.slot(workerID)
	if s == nil || s.state == StateTerminated {
		return nil, false
	}

	orphan = s.job
	s.job = nil
	s.respawns++

	crashLogger := p.logger.With("worker", workerID, "respawns", s.respawns)
	crashLogger.Error("worker crashed", "error", cause)

	if s.respawns > p.respawnLimit {
		crashLogger.Error("respawn budget exhausted, terminating slot",
			"limit", p.respawnLimit)
		s.state = StateTerminated
		s.handle = nil
		return orphan, false
	}

	handle, err := p.runtime.Spawn(s.id, p.events)
	if err != nil {
		crashLogger.Error("respawn failed, terminating slot", "error", err)
		s.state = StateTerminated
		s.handle = nil
		return orphan, false
	}

	crashLogger.Info("worker respawned")
	s.handle = handle
	s.state = StateIdle
	return orphan, true
}

// Shutdown broadcasts stop, drains outstanding results for the grace period
// so they can still be relayed, then kills whatever is left. onResult is
// invoked for each drained terminal report; it may be nil.
func (p *Pool) Shutdown(grace time.Duration, onResult func(*Result)) {
	p.logger.Info("worker pool shutting down", "busy", p.BusyCount(), "grace", grace)
	for _, s := range p.slots {
		if s.handle != nil {
			s.handle.Stop()
		}
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for p.BusyCount() > 0 {
		select {
		case ev := <-p.events:
			p.drainEvent(ev, onResult)
		case <-deadline.C:
			p.logger.Warn("grace period expired, killing workers", "busy", p.BusyCount())
			p.killRemaining(onResult)
			p.forceRelease()
			return
		}
	}
	p.forceRelease()
}

// killRemaining cancels in-flight jobs and drains their failure reports for
// long enough to cover the runner's own SIGTERM-to-SIGKILL window.
func (p *Pool) killRemaining(onResult func(*Result)) {
	for _, s := range p.slots {
		if s.handle != nil {
			s.handle.Kill()
		}
	}

	killDrain := time.NewTimer(terminationGracePeriod + 2*time.Second)
	defer killDrain.Stop()

	for p.BusyCount() > 0 {
		select {
		case ev := <-p.events:
			p.drainEvent(ev, onResult)
		case <-killDrain.C:
			return
		}
	}
}

// drainEvent is shutdown-path event handling: results release slots as
// usual, crashes terminate the slot without a respawn.
func (p *Pool) drainEvent(ev Event, onResult func(*Result)) {
	if ev.Result != nil {
		if p.OnResult(ev.Result) && onResult != nil {
			onResult(ev.Result)
		}
		return
	}

	s := p.slot(ev.WorkerID)
	if s == nil {
		return
	}
	orphan := s.job
	s.job = nil
	s.state = StateTerminated
	s.handle = nil
	if orphan != nil && onResult != nil {
		onResult(&Result{
			WorkerID:  s.id,
			JobID:     orphan.ID,
			Status:    StatusFailed,
			ErrorInfo: "worker crashed during shutdown",
		})
	}
}

// forceRelease marks every remaining slot Terminated. Jobs still assigned at
// this point are lost; the process is exiting.
func (p *Pool) forceRelease() {
	for _, s := range p.slots {
		if s.state == StateTerminated {
			continue
		}
		if s.job != nil {
			p.logger.Warn("job lost at shutdown", "worker", s.id, "job_id", s.job.ID)
		}
		s.job = nil
		s.handle = nil
		s.state = StateTerminated
	}
}

// BusyCount returns how many workers currently hold a job.
func (p *Pool) BusyCount() int {
	n := 0
	for _, s := range p.slots {
		if s.state == StateBusy {
			n++
		}
	}
	return n
}

// LiveCount returns how many workers are not Terminated: the pool's
// effective capacity.
func (p *Pool) LiveCount() int {
	n := 0
	for _, s := range p.slots {
		if s.state != StateTerminated {
			n++
		}
	}
	return n
}

// Capacity returns the configured worker count.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Snapshot returns a read-only view of every slot for status reporting.
func (p *Pool) Snapshot() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(p.slots))
	for _, s := range p.slots {
		ws := WorkerStatus{ID: s.id, State: s.state, Respawns: s.respawns}
		if s.job != nil {
			ws.JobID = s.job.ID
		}
		out = append(out, ws)
	}
	return out
}

func (p *Pool) slot(id int) *slot {
	if id < 0 || id >= len(p.slots) {
		return nil
	}
	return p.slots[id]
}
