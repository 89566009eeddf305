// ABOUTME: Bubble Tea sub-model for rendering a workflow graph with status markers and spinner animation.
// ABOUTME: Uses Kahn's algorithm over forward connections for level computation and lipgloss for styled output.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

// GraphPanelModel displays the workflow graph with status markers.
type GraphPanelModel struct {
	graph        *engine.Graph
	statuses     map[string]NodeStatus
	spinnerIndex int
	width        int
}

// NewGraphPanelModel creates a new graph panel for the given workflow graph.
func NewGraphPanelModel(g *engine.Graph) GraphPanelModel {
	return GraphPanelModel{
		graph:    g,
		statuses: make(map[string]NodeStatus),
	}
}

// SetNodeStatus updates a node's visual status.
func (m *GraphPanelModel) SetNodeStatus(nodeID string, status NodeStatus) {
	m.statuses[nodeID] = status
}

// GetNodeStatus returns the current status (defaults to NodePending).
func (m *GraphPanelModel) GetNodeStatus(nodeID string) NodeStatus {
	if s, ok := m.statuses[nodeID]; ok {
		return s
	}
	return NodePending
}

// AdvanceSpinner increments the spinner frame index.
func (m *GraphPanelModel) AdvanceSpinner() {
	m.spinnerIndex++
}

// SetWidth sets the available width for rendering.
func (m *GraphPanelModel) SetWidth(w int) {
	m.width = w
}

// View renders the graph panel as a string.
func (m GraphPanelModel) View() string {
	if m.graph == nil {
		content := TitleStyle.Render("=== WORKFLOW: (none) ===")
		if m.width > 0 {
			return BorderStyle.Width(m.width - 2).Render(content)
		}
		return BorderStyle.Render(content)
	}

	var b strings.Builder

	name := m.graph.Workflow().Name
	if name == "" {
		name = m.graph.Workflow().ID
	}
	b.WriteString(TitleStyle.Render(fmt.Sprintf("=== WORKFLOW: %s ===", name)))
	b.WriteString("\n")

	for _, level := range m.topologicalLevels() {
		for _, nodeID := range level {
			node := m.graph.Node(nodeID)
			if node == nil {
				continue
			}

			status := m.GetNodeStatus(nodeID)
			style := StyleForStatus(status)
			line := fmt.Sprintf("  %s %s (%s)", status.Icon(), node.DisplayName(), m.typeLabel(nodeID))
			if status == NodeRunning {
				line += " " + SpinnerFrames[m.spinnerIndex%len(SpinnerFrames)]
			}
			b.WriteString(style.Render(line))
			b.WriteString("\n")

			for _, att := range m.graph.Attachments(nodeID) {
				b.WriteString(EdgeStyle.Render(fmt.Sprintf("    ~ %s (%s)", att.Node.DisplayName(), att.Node.Type)))
				b.WriteString("\n")
			}
			for _, conn := range m.graph.Outgoing(nodeID) {
				b.WriteString(EdgeStyle.Render(m.edgeLine(conn)))
				b.WriteString("\n")
			}
		}
	}

	content := b.String()
	if m.width > 0 {
		return BorderStyle.Width(m.width - 2).Render(content)
	}
	return BorderStyle.Render(content)
}

// typeLabel prefers the registered display name over the raw type string.
func (m GraphPanelModel) typeLabel(nodeID string) string {
	if def, ok := m.graph.Definition(nodeID); ok && def.DisplayName != "" {
		return def.DisplayName
	}
	return m.graph.Node(nodeID).Type
}

// edgeLine renders one outgoing connection. Named output ports are shown on
// the arrow and feedback connections into a loop are marked.
func (m GraphPanelModel) edgeLine(conn workflow.Connection) string {
	target := conn.Target
	if n := m.graph.Node(conn.Target); n != nil {
		target = n.DisplayName()
	}
	arrow := "-->"
	if conn.SourceOutput != "" && conn.SourceOutput != workflow.DefaultPort {
		arrow = fmt.Sprintf("--%s-->", conn.SourceOutput)
	}
	if m.graph.IsBackEdge(conn) {
		return fmt.Sprintf("    %s %s (loop)", arrow, target)
	}
	return fmt.Sprintf("    %s %s", arrow, target)
}

// topologicalLevels computes levels using Kahn's algorithm (BFS) over the
// forward connections. Nodes within a level are sorted for deterministic output.
func (m GraphPanelModel) topologicalLevels() [][]string {
	if m.graph == nil || len(m.graph.Order()) == 0 {
		return nil
	}

	scheduled := make(map[string]bool)
	inDegree := make(map[string]int)
	for _, id := range m.graph.Order() {
		scheduled[id] = true
		inDegree[id] = 0
	}
	forward := func(id string) []string {
		var out []string
		for _, conn := range m.graph.Outgoing(id) {
			if scheduled[conn.Target] && !m.graph.IsBackEdge(conn) {
				out = append(out, conn.Target)
			}
		}
		return out
	}
	for _, id := range m.graph.Order() {
		for _, to := range forward(id) {
			inDegree[to]++
		}
	}

	var queue []string
	for _, id := range m.graph.Order() {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var levels [][]string
	for len(queue) > 0 {
		level := make([]string, len(queue))
		copy(level, queue)
		levels = append(levels, level)

		var next []string
		for _, nodeID := range queue {
			for _, to := range forward(nodeID) {
				inDegree[to]--
				if inDegree[to] == 0 {
					next = append(next, to)
				}
			}
		}
		sort.Strings(next)
		queue = next
	}

	return levels
}
