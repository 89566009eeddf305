// ABOUTME: Tests for the service and governor: admission cap under concurrent load, retention and eviction,
// ABOUTME: validation before dispatch, recorder and event hook wiring, and shutdown.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389-research/flowline/workflow"
)

func blockingWorkflow() *workflow.Workflow {
	return newTestWorkflow(
		[]workflow.Node{wfNode("t", "trigger"), wfNode("b", "block")},
		link("t", "b"),
	)
}

func TestCapacityBoundUnderConcurrentStarts(t *testing.T) {
	release := make(chan struct{})
	svc := NewService(Config{
		Registry: testRegistry(t, newTriggerNode("trigger"), newBlockingNode("block", release)),
		Limits:   Limits{MaxActiveExecutions: 3},
	})
	wf := blockingWorkflow()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  []*Execution
		rejected atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := svc.Start(context.Background(), wf, StartRequest{})
			if err != nil {
				if !errors.Is(err, ErrTooManyExecutions) {
					t.Errorf("unexpected error: %v", err)
				}
				rejected.Add(1)
				return
			}
			mu.Lock()
			started = append(started, exec)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(started) != 3 {
		t.Fatalf("admitted %d executions, want 3", len(started))
	}
	if rejected.Load() != 17 {
		t.Errorf("rejected %d, want 17", rejected.Load())
	}
	if n := svc.Governor().ActiveCount(); n != 3 {
		t.Errorf("active = %d, want 3", n)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, exec := range started {
		if status, _ := exec.Wait(ctx); status != StatusCompleted {
			t.Errorf("execution %s status = %s", exec.ID(), status)
		}
	}
	if _, err := svc.Start(ctx, wf, StartRequest{}); err != nil {
		t.Fatalf("start after drain: %v", err)
	}
}

func TestAdmissionReapsTerminalExecutions(t *testing.T) {
	gov := NewGovernor(Limits{MaxActiveExecutions: 1})
	reg := testRegistry(t, newTriggerNode("trigger"))
	g, err := BuildGraph(newTestWorkflow([]workflow.Node{wfNode("t", "trigger")}), reg)
	if err != nil {
		t.Fatal(err)
	}
	first := newExecution("one", g, StartRequest{}, gov.Limits())
	if err := gov.Admit(first); err != nil {
		t.Fatal(err)
	}
	second := newExecution("two", g, StartRequest{}, gov.Limits())
	if err := gov.Admit(second); !errors.Is(err, ErrTooManyExecutions) {
		t.Fatalf("admit while full = %v, want ErrTooManyExecutions", err)
	}
	first.finish(StatusCompleted, nil)
	if err := gov.Admit(second); err != nil {
		t.Fatalf("admit after terminal = %v, want reaped slot", err)
	}
	if _, ok := gov.Get("one"); !ok {
		t.Error("reaped execution should still be retained for lookup")
	}
}

func TestGovernorEvictsOldestRetained(t *testing.T) {
	gov := NewGovernor(Limits{MaxActiveExecutions: 10, MaxRetainedExecutions: 2, Retention: time.Hour})
	reg := testRegistry(t, newTriggerNode("trigger"))
	g, _ := BuildGraph(newTestWorkflow([]workflow.Node{wfNode("t", "trigger")}), reg)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		exec := newExecution(id, g, StartRequest{}, gov.Limits())
		if err := gov.Admit(exec); err != nil {
			t.Fatal(err)
		}
		exec.finish(StatusCompleted, nil)
		gov.Finished(exec)
		time.Sleep(time.Millisecond)
	}
	if _, ok := gov.Get("a"); ok {
		t.Error("oldest execution should have been evicted")
	}
	for _, id := range []string{"b", "c"} {
		if _, ok := gov.Get(id); !ok {
			t.Errorf("execution %s should be retained", id)
		}
	}
	if gov.RetainedCount() != 2 {
		t.Errorf("retained = %d, want 2", gov.RetainedCount())
	}
}

func TestRetentionReleasesAfterDelay(t *testing.T) {
	svc := NewService(Config{
		Registry: testRegistry(t, newTriggerNode("trigger")),
		Limits:   Limits{Retention: 20 * time.Millisecond},
	})
	exec := runWorkflow(t, svc, newTestWorkflow([]workflow.Node{wfNode("t", "trigger")}), StartRequest{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := svc.Execution(exec.ID()); errors.Is(err, ErrExecutionNotFound) {
			if exec.Events().Len() != 0 {
				t.Error("released execution should drop its events")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution was never released")
}

func TestStartRejectsCycleBeforeDispatch(t *testing.T) {
	pass := newPassNode("pass")
	svc := NewService(Config{Registry: testRegistry(t, newTriggerNode("trigger"), pass)})
	wf := newTestWorkflow(
		[]workflow.Node{wfNode("t", "trigger"), wfNode("a", "pass"), wfNode("b", "pass")},
		link("t", "a"), link("a", "b"), link("b", "a"),
	)
	_, err := svc.Start(context.Background(), wf, StartRequest{})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %T, want *ValidationError", err)
	}
	if pass.callCount() != 0 {
		t.Error("no node should run for an invalid workflow")
	}
	if svc.Governor().ActiveCount() != 0 {
		t.Error("invalid workflow must not take a slot")
	}
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []ExecutionRecord
	err     error
}

func (r *recordingRecorder) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *recordingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func TestRecorderReceivesFinishedExecution(t *testing.T) {
	rec := &recordingRecorder{err: errors.New("disk full")}
	var events atomic.Int32
	svc := NewService(Config{
		Registry: testRegistry(t, newTriggerNode("trigger"), newPassNode("pass")),
		Recorder: rec,
		OnEvent:  func(Event) { events.Add(1) },
	})
	wf := newTestWorkflow([]workflow.Node{wfNode("t", "trigger"), wfNode("a", "pass")}, link("t", "a"))
	exec := runWorkflow(t, svc, wf, StartRequest{})

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("records = %d, want 1", rec.count())
	}
	got := rec.records[0]
	if got.ID != exec.ID() || got.Status != StatusCompleted {
		t.Errorf("record = %+v", got.Summary)
	}
	if _, ok := got.Outputs["a"]; !ok {
		t.Error("record should carry node outputs")
	}
	for events.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if events.Load() != 6 {
		t.Errorf("hook saw %d events, want 6", events.Load())
	}
}

func TestRunWaitsForCompletion(t *testing.T) {
	svc := NewService(Config{Registry: testRegistry(t, newTriggerNode("trigger"), newFailNode("fail"))})
	wf := newTestWorkflow([]workflow.Node{wfNode("t", "trigger"), wfNode("f", "fail")}, link("t", "f"))
	exec, err := svc.Run(context.Background(), wf, StartRequest{})
	if exec == nil || exec.Status() != StatusFailed {
		t.Fatalf("exec = %v, want failed execution", exec)
	}
	var nodeErr *NodeExecutionError
	if !errors.As(err, &nodeErr) {
		t.Errorf("err = %v, want node error", err)
	}
}

func TestExecutionLookup(t *testing.T) {
	svc := NewService(Config{Registry: testRegistry(t, newTriggerNode("trigger"))})
	if _, err := svc.Execution("missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("err = %v, want ErrExecutionNotFound", err)
	}
	if err := svc.Cancel("missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("cancel err = %v, want ErrExecutionNotFound", err)
	}
	exec := runWorkflow(t, svc, newTestWorkflow([]workflow.Node{wfNode("t", "trigger")}), StartRequest{})
	list := svc.Executions()
	if len(list) != 1 || list[0].ID != exec.ID() {
		t.Errorf("executions = %+v", list)
	}
}

func TestShutdownCancelsRunningAndRejectsNew(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc := NewService(Config{Registry: testRegistry(t, newTriggerNode("trigger"), newBlockingNode("block", release))})
	exec, err := svc.Start(context.Background(), blockingWorkflow(), StartRequest{})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, exec, "b", NodeRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if exec.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", exec.Status())
	}
	if _, err := svc.Start(ctx, blockingWorkflow(), StartRequest{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("start after shutdown = %v, want ErrShuttingDown", err)
	}
}
