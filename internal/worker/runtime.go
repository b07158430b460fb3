package worker

import (
	"context"
	"fmt"
	"sync"
)

// Runtime is the capability set the pool needs from a worker execution
// context: spawn one, hand it jobs, observe its reports on the shared
// channel, and stop it. Implementations exist per execution model; tests
// substitute their own.
type Runtime interface {
	Spawn(id int, events chan<- Event) (Handle, error)
}

// Handle drives one spawned execution context.
type Handle interface {
	// Dispatch hands the context a job without blocking; the outcome
	// arrives later on the shared events channel.
	Dispatch(job Job) error

	// Stop asks the context to exit at its next safe point. A job already
	// in flight runs to completion.
	Stop()

	// Kill cancels the in-flight job. Used when the shutdown grace period
	// expires.
	Kill()
}

// GoRuntime runs each worker as a supervised goroutine driving a Runner.
// A panic escaping the runner is the goroutine's abnormal termination: the
// worker reports a crash event and exits, and the pool respawns the slot.
type GoRuntime struct {
	runner Runner
}

// NewGoRuntime returns a Runtime whose workers execute jobs via runner.
func NewGoRuntime(runner Runner) *GoRuntime {
	return &GoRuntime{runner: runner}
}

// Spawn starts a worker goroutine for slot id.
func (rt *GoRuntime) Spawn(id int, events chan<- Event) (Handle, error) {
	if rt.runner == nil {
		return nil, fmt.Errorf("runtime has no runner")
	}
	killCtx, killCancel := context.WithCancel(context.Background())
	w := &goWorker{
		id:         id,
		runner:     rt.runner,
		events:     events,
		jobs:       make(chan Job, 1),
		stop:       make(chan struct{}),
		killCtx:    killCtx,
		killCancel: killCancel,
	}
	go w.loop()
	return w, nil
}

type goWorker struct {
	id     int
	runner Runner
	events chan<- Event
	jobs   chan Job
	stop   chan struct{}

	killCtx    context.Context
	killCancel context.CancelFunc
	stopOnce   sync.Once
}

func (w *goWorker) Dispatch(job Job) error {
	select {
	case w.jobs <- job:
		return nil
	default:
		return fmt.Errorf("worker %d already has a job in flight", w.id)
	}
}

func (w *goWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *goWorker) Kill() {
	w.killCancel()
}

func (w *goWorker) loop() {
	for {
		select {
		case <-w.stop:
			return
		case job := <-w.jobs:
			if crashed := w.run(job); crashed {
				return
			}
		}
	}
}

// run executes one job and reports its result. It returns true when the
// execution context is no longer trustworthy and the goroutine must exit.
func (w *goWorker) run(job Job) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			w.events <- Event{
				WorkerID: w.id,
				Crash:    fmt.Errorf("worker %d panicked: %v", w.id, r),
			}
		}
	}()

	out, err := w.runner.Run(w.killCtx, job)

	res := &Result{WorkerID: w.id, JobID: job.ID}
	if err != nil {
		res.Status = StatusFailed
		res.ErrorInfo = err.Error()
	} else {
		res.Status = StatusCompleted
		res.Output = out
		res.Digest = OutputDigest(out)
	}
	w.events <- Event{WorkerID: w.id, Result: res}
	return false
}
