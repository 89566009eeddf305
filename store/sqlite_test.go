// ABOUTME: Tests for the SQLite store covering workflow CRUD and execution history.
// ABOUTME: Exercises filters, ordering, not-found errors, and pruning by age and count.
package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/store"
	"github.com/2389-research/flowline/workflow"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "flowline.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:   id,
		Name: "Workflow " + id,
		Nodes: []workflow.Node{
			{ID: "start", Type: "manualTrigger"},
			{ID: "set", Type: "set", Parameters: map[string]any{"values": map[string]any{"greeting": "hi"}}},
		},
		Connections: []workflow.Connection{{Source: "start", Target: "set"}},
	}
}

func record(id, workflowID string, status engine.Status, started time.Time) engine.ExecutionRecord {
	finished := started.Add(time.Second)
	return engine.ExecutionRecord{
		Summary: engine.Summary{
			ID:         id,
			WorkflowID: workflowID,
			Mode:       engine.ModeManual,
			Status:     status,
			StartedAt:  started,
			FinishedAt: &finished,
			Nodes: map[string]engine.NodeState{
				"set": {Status: engine.NodeSucceeded, Activations: 1},
			},
		},
		WorkflowName: "Workflow " + workflowID,
		Outputs: map[string]engine.NodeOutput{
			"set": engine.NewOutput(workflow.Items{{"greeting": "hi"}}),
		},
	}
}

func TestWorkflowPutGetList(t *testing.T) {
	s := openStore(t)

	wf := sampleWorkflow("b")
	if err := s.Put(wf); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(sampleWorkflow("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped on Put")
	}
	if diff := cmp.Diff(wf.Nodes, got.Nodes); diff != "" {
		t.Errorf("nodes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wf.Connections, got.Connections); diff != "" {
		t.Errorf("connections (-want +got):\n%s", diff)
	}
	if !wf.UpdatedAt.IsZero() {
		t.Error("Put must not mutate the caller's workflow")
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Fatalf("List = %+v, want a then b", all)
	}
}

func TestWorkflowPutReplaces(t *testing.T) {
	s := openStore(t)
	wf := sampleWorkflow("w1")
	if err := s.Put(wf); err != nil {
		t.Fatalf("Put: %v", err)
	}
	wf.Name = "Renamed"
	wf.Active = true
	if err := s.Put(wf); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Renamed" || !got.Active {
		t.Errorf("got name=%q active=%v", got.Name, got.Active)
	}
	all, _ := s.List()
	if len(all) != 1 {
		t.Errorf("List returned %d workflows, want 1", len(all))
	}
}

func TestWorkflowNotFound(t *testing.T) {
	s := openStore(t)
	if _, err := s.Get("missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := s.Delete("missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("Delete err = %v, want ErrNotFound", err)
	}
	if err := s.Put(&workflow.Workflow{}); err == nil {
		t.Error("Put without id should fail")
	}
}

func TestDeleteKeepsHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.Put(sampleWorkflow("w1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.RecordExecution(ctx, record("e1", "w1", engine.StatusCompleted, time.Now())); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := s.Delete("w1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("w1"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if _, err := s.GetExecution(ctx, "e1"); err != nil {
		t.Errorf("history should survive workflow deletion: %v", err)
	}
}

func TestRecordAndGetExecution(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rec := record("e1", "w1", engine.StatusFailed, time.Now().Add(-time.Minute))
	rec.Error = &engine.NodeExecutionError{NodeID: "set", Kind: engine.KindError, Message: "boom", Attempts: 2}

	if err := s.RecordExecution(ctx, rec); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	got, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.WorkflowName != "Workflow w1" || got.Status != engine.StatusFailed {
		t.Errorf("got name=%q status=%q", got.WorkflowName, got.Status)
	}
	if got.Error == nil || got.Error.Message != "boom" || got.Error.Attempts != 2 {
		t.Errorf("error = %+v", got.Error)
	}
	if got.Nodes["set"].Status != engine.NodeSucceeded {
		t.Errorf("node state = %+v", got.Nodes["set"])
	}

	var outputs map[string]struct {
		Main workflow.Items `json:"main"`
	}
	if err := json.Unmarshal(got.Outputs, &outputs); err != nil {
		t.Fatalf("decode outputs: %v", err)
	}
	if diff := cmp.Diff(workflow.Items{{"greeting": "hi"}}, outputs["set"].Main); diff != "" {
		t.Errorf("outputs (-want +got):\n%s", diff)
	}

	if _, err := s.GetExecution(ctx, "nope"); !errors.Is(err, engine.ErrExecutionNotFound) {
		t.Errorf("missing execution err = %v", err)
	}
}

func TestListExecutionsFilters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	recs := []engine.ExecutionRecord{
		record("e1", "w1", engine.StatusCompleted, base),
		record("e2", "w1", engine.StatusFailed, base.Add(10*time.Minute)),
		record("e3", "w2", engine.StatusCompleted, base.Add(20*time.Minute)),
		record("e4", "w1", engine.StatusCompleted, base.Add(30*time.Minute)),
	}
	for _, r := range recs {
		if err := s.RecordExecution(ctx, r); err != nil {
			t.Fatalf("RecordExecution %s: %v", r.ID, err)
		}
	}

	ids := func(sums []engine.Summary) []string {
		out := make([]string, len(sums))
		for i, sum := range sums {
			out[i] = sum.ID
		}
		return out
	}

	tests := []struct {
		name   string
		filter store.ExecutionFilter
		want   []string
	}{
		{name: "all newest first", filter: store.ExecutionFilter{}, want: []string{"e4", "e3", "e2", "e1"}},
		{name: "by workflow", filter: store.ExecutionFilter{WorkflowID: "w1"}, want: []string{"e4", "e2", "e1"}},
		{name: "by status", filter: store.ExecutionFilter{Status: engine.StatusCompleted}, want: []string{"e4", "e3", "e1"}},
		{name: "since", filter: store.ExecutionFilter{Since: base.Add(15 * time.Minute)}, want: []string{"e4", "e3"}},
		{name: "limit", filter: store.ExecutionFilter{WorkflowID: "w1", Limit: 2}, want: []string{"e4", "e2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListExecutions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListExecutions: %v", err)
			}
			if diff := cmp.Diff(tt.want, ids(got)); diff != "" {
				t.Errorf("ids (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecordExecutionReplaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rec := record("e1", "w1", engine.StatusCompleted, time.Now())
	if err := s.RecordExecution(ctx, rec); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	rec.Status = engine.StatusCancelled
	if err := s.RecordExecution(ctx, rec); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	all, err := s.ListExecutions(ctx, store.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 1 || all[0].Status != engine.StatusCancelled {
		t.Errorf("history = %+v", all)
	}
}

func TestPruneExecutions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()
	for i, age := range []time.Duration{72 * time.Hour, 3 * time.Hour, 2 * time.Hour, time.Hour, time.Minute} {
		r := record(string(rune('a'+i)), "w1", engine.StatusCompleted, now.Add(-age))
		if err := s.RecordExecution(ctx, r); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	n, err := s.PruneExecutions(ctx, store.PruneOptions{MaxAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("PruneExecutions: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned by age = %d, want 1", n)
	}

	n, err = s.PruneExecutions(ctx, store.PruneOptions{MaxCount: 2})
	if err != nil {
		t.Fatalf("PruneExecutions: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned by count = %d, want 2", n)
	}

	left, err := s.ListExecutions(ctx, store.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	var remaining []string
	for _, sum := range left {
		remaining = append(remaining, sum.ID)
	}
	if !cmp.Equal(remaining, []string{"e", "d"}) {
		t.Errorf("remaining = %v, want [e d]", remaining)
	}

	if n, err := s.PruneExecutions(ctx, store.PruneOptions{}); err != nil || n != 0 {
		t.Errorf("zero options pruned %d, err %v", n, err)
	}
}

func TestOpenMemory(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()
	if err := s.Put(sampleWorkflow("m")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Get("m"); err != nil {
		t.Errorf("Get: %v", err)
	}
}
