// ABOUTME: Shared fixtures for the TUI tests: a small branching workflow and its validated graph.
// ABOUTME: Graphs are built with the real node registry so type labels match the running system.
package tui

import (
	"testing"
	"time"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/nodes"
	"github.com/2389-research/flowline/workflow"
)

func testRegistry() *engine.Registry {
	return nodes.NewRegistry(nodes.Options{Getenv: func(string) string { return "" }})
}

// testWorkflow is start -> check -(true)-> big, check -(false)-> small.
func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:   "orders",
		Name: "Order routing",
		Nodes: []workflow.Node{
			{ID: "start", Type: "manualTrigger", Name: "Start"},
			{ID: "check", Type: "if", Parameters: map[string]any{"condition": "qty > 2"}},
			{ID: "big", Type: "set", Parameters: map[string]any{"values": map[string]any{"size": "big"}}},
			{ID: "small", Type: "noOp"},
		},
		Connections: []workflow.Connection{
			{Source: "start", Target: "check"},
			{Source: "check", SourceOutput: "true", Target: "big"},
			{Source: "check", SourceOutput: "false", Target: "small"},
		},
	}
}

func testGraph(t *testing.T) *engine.Graph {
	t.Helper()
	g, err := engine.BuildGraph(testWorkflow(), testRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	return g
}

func nodeEvent(kind engine.EventKind, nodeID string, seq uint64, payload map[string]any) engine.Event {
	return engine.Event{
		ExecutionID: "exec-1",
		NodeID:      nodeID,
		Kind:        kind,
		Sequence:    seq,
		Payload:     payload,
		Timestamp:   time.Date(2026, 3, 1, 12, 0, int(seq), 0, time.UTC),
	}
}
