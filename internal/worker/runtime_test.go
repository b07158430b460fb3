package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type runnerFunc func(ctx context.Context, job Job) ([]byte, error)

func (f runnerFunc) Run(ctx context.Context, job Job) ([]byte, error) {
	return f(ctx, job)
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker event")
		return Event{}
	}
}

func TestGoRuntimeRunsJob(t *testing.T) {
	events := make(chan Event, 4)
	rt := NewGoRuntime(runnerFunc(func(ctx context.Context, job Job) ([]byte, error) {
		return []byte("out:" + job.ID), nil
	}))

	h, err := rt.Spawn(0, events)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer h.Stop()

	if err := h.Dispatch(testJob("job-1")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	ev := waitEvent(t, events)
	if ev.Result == nil {
		t.Fatalf("event = %+v, want result", ev)
	}
	if ev.Result.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", ev.Result.Status)
	}
	if string(ev.Result.Output) != "out:job-1" {
		t.Errorf("output = %q", ev.Result.Output)
	}
	if want := OutputDigest([]byte("out:job-1")); ev.Result.Digest != want {
		t.Errorf("digest = %q, want %q", ev.Result.Digest, want)
	}
}

func TestGoRuntimeJobError(t *testing.T) {
	events := make(chan Event, 4)
	rt := NewGoRuntime(runnerFunc(func(ctx context.Context, job Job) ([]byte, error) {
		return nil, errors.New("payload rejected")
	}))

	h, err := rt.Spawn(1, events)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	if err := h.Dispatch(testJob("job-bad")); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events)
	if ev.Result == nil || ev.Result.Status != StatusFailed {
		t.Fatalf("event = %+v, want failed result", ev)
	}
	if ev.Result.ErrorInfo != "payload rejected" {
		t.Errorf("error info = %q", ev.Result.ErrorInfo)
	}
	if ev.Result.JobID != "job-bad" {
		t.Errorf("job id = %q", ev.Result.JobID)
	}

	// A failed job is not a crash: the worker keeps serving.
	if err := h.Dispatch(testJob("job-next")); err != nil {
		t.Fatalf("Dispatch() after failure error = %v", err)
	}
	ev = waitEvent(t, events)
	if ev.Result == nil || ev.Result.JobID != "job-next" {
		t.Fatalf("event = %+v, want result for job-next", ev)
	}
}

func TestGoRuntimePanicIsCrash(t *testing.T) {
	events := make(chan Event, 4)
	rt := NewGoRuntime(runnerFunc(func(ctx context.Context, job Job) ([]byte, error) {
		panic("runner bug")
	}))

	h, err := rt.Spawn(2, events)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Dispatch(testJob("job-doom")); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events)
	if ev.Crash == nil {
		t.Fatalf("event = %+v, want crash", ev)
	}
	if ev.WorkerID != 2 {
		t.Errorf("worker id = %d, want 2", ev.WorkerID)
	}
}

func TestGoRuntimeKillCancelsInFlight(t *testing.T) {
	events := make(chan Event, 4)
	started := make(chan struct{})
	rt := NewGoRuntime(runnerFunc(func(ctx context.Context, job Job) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	h, err := rt.Spawn(3, events)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Dispatch(testJob("job-stuck")); err != nil {
		t.Fatal(err)
	}
	<-started
	h.Kill()

	ev := waitEvent(t, events)
	if ev.Result == nil || ev.Result.Status != StatusFailed {
		t.Fatalf("event = %+v, want failed result after kill", ev)
	}
}

func TestGoRuntimeDispatchBackpressure(t *testing.T) {
	events := make(chan Event, 4)
	started := make(chan struct{})
	release := make(chan struct{})
	rt := NewGoRuntime(runnerFunc(func(ctx context.Context, job Job) ([]byte, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	}))

	h, err := rt.Spawn(4, events)
	if err != nil {
		t.Fatal(err)
	}
	defer close(release)
	defer h.Stop()

	if err := h.Dispatch(testJob("job-a")); err != nil {
		t.Fatal(err)
	}
	<-started
	// The loop is blocked in the runner; one more job fits the buffer, a
	// third must be refused.
	if err := h.Dispatch(testJob("job-b")); err != nil {
		t.Fatalf("Dispatch() to buffer error = %v", err)
	}
	if err := h.Dispatch(testJob("job-c")); err == nil {
		t.Fatal("Dispatch() succeeded with a full worker")
	}
}

func TestGoRuntimeStopIdempotent(t *testing.T) {
	events := make(chan Event, 1)
	rt := NewGoRuntime(runnerFunc(func(ctx context.Context, job Job) ([]byte, error) {
		return nil, nil
	}))

	h, err := rt.Spawn(5, events)
	if err != nil {
		t.Fatal(err)
	}
	h.Stop()
	h.Stop()
}

func TestGoRuntimeRequiresRunner(t *testing.T) {
	rt := NewGoRuntime(nil)
	if _, err := rt.Spawn(0, make(chan Event, 1)); err == nil {
		t.Fatal("Spawn() succeeded without a runner")
	}
}
