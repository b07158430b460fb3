// Package engine is the agent's routing loop: the single goroutine that owns
// the dispatcher session and the worker pool, selects over both, and drives
// every scheduling transition. Nothing else mutates shared scheduling state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lkhq/spark/internal/config"
	"github.com/lkhq/spark/internal/control"
	"github.com/lkhq/spark/internal/events"
	"github.com/lkhq/spark/internal/journal"
	"github.com/lkhq/spark/internal/log"
	"github.com/lkhq/spark/internal/protocol"
	"github.com/lkhq/spark/internal/worker"
)

//go:generate mockgen -destination=mocks/mock_journal.go -package=mocks github.com/lkhq/spark/internal/engine Journal

// Journal is the slice of the journal the engine writes through. Append must
// never fail a job; errors are logged and swallowed.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) (string, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

const (
	// defaultRespawnLimit bounds crash respawns per worker slot before the
	// slot is terminated for good.
	defaultRespawnLimit = 3

	dialTimeout          = 10 * time.Second
	journalPruneInterval = 1 * time.Hour
	orphanErrorInfo      = "connection to dispatcher lost while job in flight"
)

// orphanReport is one queued JobResult(Failed) for a job whose session died
// before its outcome could be relayed.
type orphanReport struct {
	JobID     string
	WorkerID  int
	ErrorInfo string
}

// Engine ties the control session to the worker pool. Construct with New,
// then Run exactly once; Run returns when ctx is canceled.
type Engine struct {
	cfg      *config.Config
	identity config.Identity
	runtime  worker.Runtime
	journal  Journal
	hub      *events.Hub
	logger   *slog.Logger

	pool      *worker.Pool
	session   *control.Session
	sessionID string

	// Loop-owned bookkeeping; only Run's goroutine touches these.
	inflight       map[string]int
	orphaned       map[string]struct{}
	pending        []orphanReport
	failedAttempts int
	connectedOnce  bool
	counters       Counters
	startedAt      time.Time

	status statusCell
}

// New builds an engine. hub must not be nil; a nil jnl disables journaling.
func New(cfg *config.Config, identity config.Identity, rt worker.Runtime, jnl Journal, hub *events.Hub) *Engine {
	e := &Engine{
		cfg:      cfg,
		identity: identity,
		runtime:  rt,
		journal:  jnl,
		hub:      hub,
		logger:   log.WithComponent("engine"),
		inflight: make(map[string]int),
		orphaned: make(map[string]struct{}),
	}
	e.status.publish(&Status{
		MachineID:   identity.MachineID,
		MachineName: identity.MachineName,
		Dispatcher:  cfg.DispatcherAddr(),
		Capacity:    cfg.MaxJobs,
	})
	return e
}

// Status returns the latest published snapshot. Safe from any goroutine; the
// snapshot is read-only.
func (e *Engine) Status() *Status {
	return e.status.load()
}

// Run starts the pool, maintains the dispatcher session, and loops until ctx
// is canceled. Startup failures (zero workers) return before the loop; after
// that the only exit is shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now().UTC()

	e.pool = worker.NewPool(e.runtime, e.cfg.MaxJobs, defaultRespawnLimit, log.WithComponent("pool"))
	if err := e.pool.Init(); err != nil {
		return fmt.Errorf("initialize worker pool: %w", err)
	}

	e.logger.Info("agent starting",
		"machine_id", e.identity.MachineID,
		"machine_name", e.identity.MachineName,
		"capacity", e.cfg.MaxJobs,
		"dispatcher", e.cfg.DispatcherAddr())

	backoff := control.NewBackoff(e.cfg.Reconnect.Initial, e.cfg.Reconnect.Max)
	var retry <-chan time.Time

	var pruneC <-chan time.Time
	if e.journal != nil && e.cfg.Journal.Retention > 0 {
		ticker := time.NewTicker(journalPruneInterval)
		defer ticker.Stop()
		pruneC = ticker.C
	}

	retry = e.connect(ctx, backoff)
	e.publishStatus()

	for {
		var recv <-chan protocol.Envelope
		if e.session != nil {
			recv = e.session.Recv()
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return nil

		case env, ok := <-recv:
			if !ok {
				e.onDisconnect()
				retry = time.After(backoff.Next())
			} else {
				e.onFrame(env)
			}

		case ev := <-e.pool.Events():
			e.onPoolEvent(ev)

		case <-retry:
			retry = e.connect(ctx, backoff)

		case <-pruneC:
			e.pruneJournal()
		}

		e.publishStatus()
	}
}

// connect attempts one dial. On success the session is installed, queued
// orphan reports are flushed, and nil is returned; on failure it returns the
// timer for the next attempt.
func (e *Engine) connect(ctx context.Context, backoff *control.Backoff) <-chan time.Time {
	sessionID := uuid.NewString()
	hello := protocol.Hello{
		MachineID:   e.identity.MachineID,
		MachineName: e.identity.MachineName,
		// Announce effective capacity: terminated slots are gone until
		// the process restarts.
		Capacity: e.pool.LiveCount(),
		Session:  sessionID,
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	s, err := control.Dial(dctx, e.cfg.DispatcherAddr(), hello, e.cfg.Heartbeat)
	if err != nil {
		e.failedAttempts++
		delay := backoff.Next()
		e.logger.Warn("dispatcher unreachable",
			"error", err, "attempt", e.failedAttempts, "next_retry", delay)
		e.dropPendingIfCapped()
		return time.After(delay)
	}

	e.session = s
	e.sessionID = sessionID
	e.failedAttempts = 0
	backoff.Reset()
	if e.connectedOnce {
		e.counters.Reconnects++
	}
	e.connectedOnce = true

	e.logger.Info("connected to dispatcher",
		"dispatcher", e.cfg.DispatcherAddr(), "session", sessionID, "capacity", hello.Capacity)
	e.hub.Publish(events.KindConnected, map[string]string{"session": sessionID})

	e.flushPending()
	return nil
}

// onDisconnect tears down the dead session and marks every in-flight job
// orphaned. The workers keep running; their eventual real results are
// journal-only.
func (e *Engine) onDisconnect() {
	cause := e.session.Err()
	e.session.Close()
	e.session = nil
	e.sessionID = ""

	e.logger.Warn("disconnected from dispatcher", "error", cause, "in_flight", len(e.inflight))
	e.hub.Publish(events.KindDisconnected, map[string]string{"error": fmt.Sprint(cause)})

	for jobID, workerID := range e.inflight {
		if _, already := e.orphaned[jobID]; already {
			continue
		}
		e.orphaned[jobID] = struct{}{}
		e.pending = append(e.pending, orphanReport{
			JobID:     jobID,
			WorkerID:  workerID,
			ErrorInfo: orphanErrorInfo,
		})
	}
}

// flushPending relays queued orphan failure reports on a fresh session,
// before any new offer can be serviced. Reports that fail to send stay
// queued for the next session.
func (e *Engine) flushPending() {
	for i, rep := range e.pending {
		env, err := protocol.NewEnvelope(protocol.TypeJobResult, &protocol.JobResult{
			JobID:     rep.JobID,
			Status:    protocol.ResultFailed,
			ErrorInfo: rep.ErrorInfo,
		})
		if err != nil {
			e.logger.Error("failed to seal orphan report", "job_id", rep.JobID, "error", err)
			continue
		}
		if err := e.session.Send(env); err != nil {
			e.logger.Warn("orphan report not sent, requeueing", "job_id", rep.JobID, "error", err)
			e.pending = e.pending[i:]
			return
		}

		e.appendJournal(journal.Entry{
			JobID:     rep.JobID,
			Status:    string(worker.StatusFailed),
			WorkerID:  rep.WorkerID,
			ErrorInfo: rep.ErrorInfo,
			Orphaned:  true,
			Relayed:   true,
			Session:   e.sessionID,
		})
		e.counters.OrphanReports++
		e.hub.Publish(events.KindOrphanReported, map[string]string{"job_id": rep.JobID})
		e.logger.Info("reported orphaned job failed", "job_id", rep.JobID)
	}
	e.pending = nil
}

// dropPendingIfCapped gives up on queued orphan reports once reconnection has
// failed often enough. Reconnection itself keeps going; only the reports are
// dropped, with the journal as their last trace.
func (e *Engine) dropPendingIfCapped() {
	limit := e.cfg.Reconnect.ReportDropAfter
	if limit <= 0 || len(e.pending) == 0 || e.failedAttempts < limit {
		return
	}
	e.logger.Warn("dropping queued orphan reports after repeated reconnect failures",
		"count", len(e.pending), "attempts", e.failedAttempts)
	for _, rep := range e.pending {
		e.appendJournal(journal.Entry{
			JobID:     rep.JobID,
			Status:    string(worker.StatusFailed),
			WorkerID:  rep.WorkerID,
			ErrorInfo: rep.ErrorInfo + " (report dropped: dispatcher unreachable)",
			Orphaned:  true,
			Relayed:   false,
		})
	}
	e.pending = nil
}

// onFrame routes one inbound frame. The envelope set is closed; anything
// unexpected is logged and dropped without touching the session.
func (e *Engine) onFrame(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJobOffer:
		var offer protocol.JobOffer
		if err := env.Decode(&offer); err != nil {
			e.logger.Warn("dropping malformed job offer", "error", err)
			return
		}
		e.onOffer(offer)

	case protocol.TypeHeartbeat:
		// Dispatcher liveness probe; nothing to do.

	case protocol.TypeBye:
		e.logger.Info("dispatcher announced shutdown")

	default:
		e.logger.Warn("dropping frame with unexpected type", "type", env.Type)
	}
}

// onOffer decides one JobOffer: exactly one of JobAccept or JobReject goes
// back, never silence.
func (e *Engine) onOffer(offer protocol.JobOffer) {
	if _, dup := e.inflight[offer.JobID]; dup {
		e.reject(offer.JobID, "job already in flight")
		return
	}
	if e.pendingFor(offer.JobID) {
		e.reject(offer.JobID, "failure report pending for this job")
		return
	}

	workerID, ok := e.pool.AcquireIdle()
	if !ok {
		e.reject(offer.JobID, "capacity exhausted")
		return
	}

	job := worker.Job{ID: offer.JobID, Payload: offer.Payload}
	if err := e.pool.Dispatch(workerID, job); err != nil {
		e.pool.Release(workerID)
		e.logger.Error("dispatch failed", "job_id", offer.JobID, "worker", workerID, "error", err)
		e.reject(offer.JobID, "internal dispatch failure")
		return
	}

	e.inflight[offer.JobID] = workerID

	accept, err := protocol.NewEnvelope(protocol.TypeJobAccept, &protocol.JobAccept{JobID: offer.JobID})
	if err == nil {
		err = e.session.Send(accept)
	}
	if err != nil {
		// The job is already running; if the session is dying the result
		// will be orphaned through the normal disconnect path.
		e.logger.Warn("job accept not sent", "job_id", offer.JobID, "error", err)
	}

	e.counters.Accepted++
	e.hub.Publish(events.KindJobAssigned, map[string]any{"job_id": offer.JobID, "worker": workerID})
	log.WithJob(offer.JobID).Info("job assigned", "worker", workerID)
}

func (e *Engine) reject(jobID, reason string) {
	env, err := protocol.NewEnvelope(protocol.TypeJobReject, &protocol.JobReject{JobID: jobID, Reason: reason})
	if err == nil {
		err = e.session.Send(env)
	}
	if err != nil {
		e.logger.Warn("job reject not sent", "job_id", jobID, "error", err)
	}
	e.counters.Rejected++
	e.hub.Publish(events.KindJobRejected, map[string]string{"job_id": jobID, "reason": reason})
	log.WithJob(jobID).Info("job rejected", "reason", reason)
}

func (e *Engine) pendingFor(jobID string) bool {
	for _, rep := range e.pending {
		if rep.JobID == jobID {
			return true
		}
	}
	return false
}

func (e *Engine) onPoolEvent(ev worker.Event) {
	if ev.Result != nil {
		e.onResult(ev.Result)
		return
	}
	e.onCrash(ev)
}

// onResult handles a worker's terminal report: releases the slot, then
// relays or journals depending on session and orphan state.
func (e *Engine) onResult(res *worker.Result) {
	if !e.pool.OnResult(res) {
		return
	}
	delete(e.inflight, res.JobID)

	if _, isOrphan := e.orphaned[res.JobID]; isOrphan {
		// The dispatcher gets (or already got) the synthesized failure;
		// the real outcome is journal-only.
		delete(e.orphaned, res.JobID)
		e.appendResultJournal(res, true, false)
		log.WithJob(res.JobID).Info("journaled late result for orphaned job", "status", res.Status)
		return
	}

	if !e.relayResult(res) {
		// Finished in the gap between session death and the disconnect
		// event: same policy as any orphan, with the real outcome kept
		// in the journal.
		e.pending = append(e.pending, orphanReport{
			JobID:     res.JobID,
			WorkerID:  res.WorkerID,
			ErrorInfo: orphanErrorInfo,
		})
		e.appendResultJournal(res, true, false)
		return
	}

	e.appendResultJournal(res, false, true)
	if res.Status == worker.StatusCompleted {
		e.counters.Completed++
		e.hub.Publish(events.KindJobCompleted, map[string]any{"job_id": res.JobID, "worker": res.WorkerID})
	} else {
		e.counters.Failed++
		e.hub.Publish(events.KindJobFailed, map[string]any{"job_id": res.JobID, "worker": res.WorkerID, "error": res.ErrorInfo})
	}
	log.WithJob(res.JobID).Info("job finished", "status", res.Status, "worker", res.WorkerID)
}

// onCrash handles abnormal worker termination: pool bookkeeping plus exactly
// one Failed report for the orphaned job, if any.
func (e *Engine) onCrash(ev worker.Event) {
	orphan, respawned := e.pool.OnCrash(ev.WorkerID, ev.Crash)

	e.counters.Crashes++
	e.hub.Publish(events.KindWorkerCrashed, map[string]any{"worker": ev.WorkerID, "error": fmt.Sprint(ev.Crash)})
	if respawned {
		e.hub.Publish(events.KindWorkerRespawned, map[string]any{"worker": ev.WorkerID})
	} else {
		e.hub.Publish(events.KindWorkerTerminated, map[string]any{"worker": ev.WorkerID})
	}

	if orphan == nil {
		return
	}
	delete(e.inflight, orphan.ID)

	errInfo := fmt.Sprintf("worker crashed: %v", ev.Crash)
	res := &worker.Result{
		WorkerID:  ev.WorkerID,
		JobID:     orphan.ID,
		Status:    worker.StatusFailed,
		ErrorInfo: errInfo,
	}

	if _, already := e.orphaned[orphan.ID]; already {
		// Its Failed report is queued from the disconnect; journal the
		// crash as the real outcome and do not report twice.
		delete(e.orphaned, orphan.ID)
		e.appendResultJournal(res, true, false)
		return
	}

	if !e.relayResult(res) {
		e.pending = append(e.pending, orphanReport{
			JobID:     orphan.ID,
			WorkerID:  ev.WorkerID,
			ErrorInfo: errInfo,
		})
		return
	}
	e.appendResultJournal(res, false, true)
	e.counters.Failed++
	e.hub.Publish(events.KindJobFailed, map[string]any{"job_id": orphan.ID, "worker": ev.WorkerID, "error": errInfo})
	log.WithJob(orphan.ID).Warn("job failed with worker crash", "worker", ev.WorkerID)
}

// relayResult sends a JobResult on the current session. False means the
// report did not go out and the caller must queue or journal it.
func (e *Engine) relayResult(res *worker.Result) bool {
	if e.session == nil {
		return false
	}

	jr := &protocol.JobResult{JobID: res.JobID}
	if res.Status == worker.StatusCompleted {
		jr.Status = protocol.ResultCompleted
		jr.Output = string(res.Output)
		jr.OutputDigest = res.Digest
	} else {
		jr.Status = protocol.ResultFailed
		jr.ErrorInfo = res.ErrorInfo
		if jr.ErrorInfo == "" {
			jr.ErrorInfo = "job failed"
		}
	}

	env, err := protocol.NewEnvelope(protocol.TypeJobResult, jr)
	if err != nil {
		e.logger.Error("failed to seal job result", "job_id", res.JobID, "error", err)
		return false
	}
	if err := e.session.Send(env); err != nil {
		e.logger.Warn("job result not sent", "job_id", res.JobID, "error", err)
		return false
	}
	return true
}

// shutdown drains the pool within the grace period, relaying what still can
// be relayed, says goodbye, and releases the session.
func (e *Engine) shutdown() {
	e.logger.Info("agent stopping", "busy", e.pool.BusyCount(), "grace", e.cfg.ShutdownGrace)
	e.hub.Publish(events.KindAgentStopping, nil)

	e.pool.Shutdown(e.cfg.ShutdownGrace, func(res *worker.Result) {
		delete(e.inflight, res.JobID)
		if _, isOrphan := e.orphaned[res.JobID]; isOrphan {
			delete(e.orphaned, res.JobID)
			e.appendResultJournal(res, true, false)
			return
		}
		if e.relayResult(res) {
			e.appendResultJournal(res, false, true)
			if res.Status == worker.StatusCompleted {
				e.counters.Completed++
			} else {
				e.counters.Failed++
			}
			return
		}
		e.appendResultJournal(res, false, false)
	})

	if e.session != nil {
		if err := e.session.Bye(e.identity.MachineID); err != nil {
			e.logger.Debug("bye not sent", "error", err)
		}
		e.session.Close()
		e.session = nil
		e.sessionID = ""
	}

	// Reports that never reached a dispatcher die with the process; the
	// journal keeps their trace.
	if len(e.pending) > 0 {
		e.logger.Warn("exiting with unreported orphan jobs", "count", len(e.pending))
		for _, rep := range e.pending {
			e.appendJournal(journal.Entry{
				JobID:     rep.JobID,
				Status:    string(worker.StatusFailed),
				WorkerID:  rep.WorkerID,
				ErrorInfo: rep.ErrorInfo + " (agent stopped before report)",
				Orphaned:  true,
				Relayed:   false,
			})
		}
		e.pending = nil
	}

	e.publishStatus()
	e.logger.Info("agent stopped")
}

func (e *Engine) pruneJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.journal.Prune(ctx, e.cfg.Journal.Retention); err != nil {
		e.logger.Error("journal prune failed", "error", err)
	}
}

func (e *Engine) appendResultJournal(res *worker.Result, orphaned, relayed bool) {
	e.appendJournal(journal.Entry{
		JobID:     res.JobID,
		Status:    string(res.Status),
		WorkerID:  res.WorkerID,
		Output:    string(res.Output),
		Digest:    res.Digest,
		ErrorInfo: res.ErrorInfo,
		Orphaned:  orphaned,
		Relayed:   relayed,
		Session:   e.sessionID,
	})
}

// appendJournal writes one entry with a bounded context so a wedged disk can
// never stall the loop for long. Journal failures are logged, never fatal.
func (e *Engine) appendJournal(entry journal.Entry) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.journal.Append(ctx, entry); err != nil {
		e.logger.Error("journal append failed", "job_id", entry.JobID, "error", err)
	}
}
