// ABOUTME: Tests for the GraphPanelModel which renders a workflow graph in the TUI.
// ABOUTME: Covers status tracking, spinner animation, port-labelled edges, loop markers, and level computation.
package tui

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

func TestGraphPanelStatusDefaultsToPending(t *testing.T) {
	m := NewGraphPanelModel(testGraph(t))
	if got := m.GetNodeStatus("check"); got != NodePending {
		t.Errorf("GetNodeStatus = %v, want pending", got)
	}
	m.SetNodeStatus("check", NodeFailed)
	if got := m.GetNodeStatus("check"); got != NodeFailed {
		t.Errorf("GetNodeStatus = %v, want failed", got)
	}
}

func TestGraphPanelTopologicalLevels(t *testing.T) {
	m := NewGraphPanelModel(testGraph(t))
	want := [][]string{{"start"}, {"check"}, {"big", "small"}}
	if diff := cmp.Diff(want, m.topologicalLevels()); diff != "" {
		t.Errorf("levels (-want +got):\n%s", diff)
	}
}

func TestGraphPanelViewRendersNodesAndPorts(t *testing.T) {
	m := NewGraphPanelModel(testGraph(t))
	m.SetNodeStatus("start", NodeCompleted)
	view := m.View()

	for _, want := range []string{
		"=== WORKFLOW: Order routing ===",
		"[*] Start (Manual Trigger)",
		"[ ] check (If)",
		"--true--> big",
		"--false--> small",
		"--> check",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestGraphPanelSpinnerOnRunningNode(t *testing.T) {
	m := NewGraphPanelModel(testGraph(t))
	m.SetNodeStatus("check", NodeRunning)

	first := m.View()
	if !strings.Contains(first, SpinnerFrames[0]) {
		t.Fatalf("expected spinner frame %q in view", SpinnerFrames[0])
	}
	m.AdvanceSpinner()
	if !strings.Contains(m.View(), SpinnerFrames[1]) {
		t.Errorf("expected spinner frame %q after advance", SpinnerFrames[1])
	}
}

func TestGraphPanelMarksLoopEdges(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "batches",
		Nodes: []workflow.Node{
			{ID: "start", Type: "manualTrigger"},
			{ID: "loop", Type: "splitInBatches"},
			{ID: "body", Type: "noOp"},
			{ID: "after", Type: "noOp"},
		},
		Connections: []workflow.Connection{
			{Source: "start", Target: "loop"},
			{Source: "loop", SourceOutput: "continue", Target: "body"},
			{Source: "body", Target: "loop"},
			{Source: "loop", SourceOutput: "done", Target: "after"},
		},
	}
	g, err := engine.BuildGraph(wf, testRegistry())
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	m := NewGraphPanelModel(g)

	view := m.View()
	if !strings.Contains(view, "--> loop (loop)") {
		t.Errorf("feedback edge not marked:\n%s", view)
	}
	// The feedback edge must not hold the loop header back a level.
	want := [][]string{{"start"}, {"loop"}, {"after", "body"}}
	if diff := cmp.Diff(want, m.topologicalLevels()); diff != "" {
		t.Errorf("levels (-want +got):\n%s", diff)
	}
}

func TestGraphPanelNilGraph(t *testing.T) {
	m := NewGraphPanelModel(nil)
	if !strings.Contains(m.View(), "(none)") {
		t.Errorf("nil graph view = %q", m.View())
	}
	if m.topologicalLevels() != nil {
		t.Error("nil graph should have no levels")
	}
}
