// ABOUTME: Single-line status bar at the bottom of the dashboard tallying one execution's progress.
// ABOUTME: Shows per-state node counts, running branches, retries, dropped events, and the final outcome.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/flowline/engine"
)

// maxActiveShown caps how many running nodes are named before "+N".
const maxActiveShown = 2

// StatusBarModel tallies execution progress in a single line. A node that
// runs several times (loop bodies, re-armed joins) is counted once, in the
// state of its latest activation.
type StatusBarModel struct {
	workflowName string
	executionID  string
	startTime    time.Time
	endTime      time.Time
	totalNodes   int
	settled      map[string]NodeStatus
	running      []string
	retries      int
	dropped      uint64
	outcome      string
	outcomeStyle lipgloss.Style
	width        int
}

// NewStatusBarModel creates a status bar for a workflow with totalNodes nodes.
func NewStatusBarModel(workflowName string, totalNodes int) StatusBarModel {
	return StatusBarModel{
		workflowName: workflowName,
		totalNodes:   totalNodes,
		settled:      make(map[string]NodeStatus),
	}
}

// Start records the execution start time.
func (m *StatusBarModel) Start() {
	m.startTime = time.Now()
}

// SetExecutionID records the id of the execution being watched.
func (m *StatusBarModel) SetExecutionID(id string) {
	m.executionID = id
}

// SetWidth sets the bar width for rendering.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// NodeStarted marks a node as running. Parallel branches may run at once.
func (m *StatusBarModel) NodeStarted(id string) {
	for _, r := range m.running {
		if r == id {
			return
		}
	}
	m.running = append(m.running, id)
}

// NodeSettled records the terminal state of a node's latest activation.
func (m *StatusBarModel) NodeSettled(id string, status NodeStatus) {
	m.settled[id] = status
	m.stopRunning(id)
}

// NodeRetrying counts one retry attempt.
func (m *StatusBarModel) NodeRetrying() {
	m.retries++
}

func (m *StatusBarModel) stopRunning(id string) {
	for i, r := range m.running {
		if r == id {
			m.running = append(m.running[:i], m.running[i+1:]...)
			return
		}
	}
}

// Finish freezes the clock and records the outcome. The summary's node
// states replace the tallies built from events, and its dropped-event count
// is shown when subscribers fell behind.
func (m *StatusBarModel) Finish(sum engine.Summary, err error) {
	m.endTime = time.Now()
	m.running = nil
	m.dropped = sum.DroppedEvents
	for id, st := range sum.Nodes {
		if st.Status.Terminal() {
			m.settled[id] = StatusFromEngine(st.Status)
		}
	}
	switch {
	case err != nil:
		m.outcome, m.outcomeStyle = fmt.Sprintf("FAILED: %v", err), FailedStyle
	case sum.Status == engine.StatusCancelled:
		m.outcome, m.outcomeStyle = "CANCELLED", SkippedStyle
	case sum.Status == engine.StatusFailed:
		m.outcome, m.outcomeStyle = "FAILED", FailedStyle
	default:
		m.outcome, m.outcomeStyle = "DONE", CompletedStyle
	}
}

// Counts returns how many nodes settled in each display state.
func (m StatusBarModel) Counts() (succeeded, failed, skipped int) {
	for _, st := range m.settled {
		switch st {
		case NodeCompleted:
			succeeded++
		case NodeFailed:
			failed++
		case NodeSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

// Elapsed returns the time since Start, frozen once the execution finished.
func (m StatusBarModel) Elapsed() time.Duration {
	if m.startTime.IsZero() {
		return 0
	}
	if !m.endTime.IsZero() {
		return m.endTime.Sub(m.startTime)
	}
	return time.Since(m.startTime)
}

// formatElapsed formats a duration as "12s" under a minute and "2m30s" above.
func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) - minutes*60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}

func (m StatusBarModel) activeLabel() string {
	switch n := len(m.running); {
	case n == 0:
		return "idle"
	case n <= maxActiveShown:
		return strings.Join(m.running, ", ")
	default:
		return fmt.Sprintf("%s +%d", strings.Join(m.running[:maxActiveShown], ", "), n-maxActiveShown)
	}
}

// View renders the status bar as a single styled line.
func (m StatusBarModel) View() string {
	execID := m.executionID
	if execID == "" {
		execID = "-"
	}
	ok, failed, skipped := m.Counts()

	parts := []string{
		"Workflow: " + m.workflowName,
		"Execution: " + execID,
		"Elapsed: " + formatElapsed(m.Elapsed()),
		fmt.Sprintf("%d/%d nodes (ok %d, failed %d, skipped %d)", len(m.settled), m.totalNodes, ok, failed, skipped),
	}
	if m.retries > 0 {
		parts = append(parts, fmt.Sprintf("retries %d", m.retries))
	}
	if m.dropped > 0 {
		parts = append(parts, fmt.Sprintf("dropped %d events", m.dropped))
	}
	if m.outcome == "" {
		parts = append(parts, "Active: "+m.activeLabel())
	}
	content := strings.Join(parts, " | ")

	line := StatusBarStyle.Width(m.width).Render(content)
	if m.outcome != "" {
		line = StatusBarStyle.Render(content) + " " + m.outcomeStyle.Render(m.outcome)
	}
	return lipgloss.PlaceHorizontal(m.width, lipgloss.Left, line)
}
