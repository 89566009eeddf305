// ABOUTME: Display states for workflow nodes in the dashboard and their mapping from engine node states.
// ABOUTME: Each state carries its label, bracket icon, and style in one table.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/flowline/engine"
)

// NodeStatus is the dashboard's view of a node.
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
)

type statusLook struct {
	label string
	icon  string
	style lipgloss.Style
}

var statusLooks = [...]statusLook{
	NodePending:   {"pending", "[ ]", PendingStyle},
	NodeRunning:   {"running", "[~]", RunningStyle},
	NodeCompleted: {"completed", "[*]", CompletedStyle},
	NodeFailed:    {"failed", "[!]", FailedStyle},
	NodeSkipped:   {"skipped", "[-]", SkippedStyle},
}

func (s NodeStatus) look() statusLook {
	if s < 0 || int(s) >= len(statusLooks) {
		return statusLook{label: "unknown", icon: "[?]", style: PendingStyle}
	}
	return statusLooks[s]
}

func (s NodeStatus) String() string {
	return s.look().label
}

// Icon is the bracket marker drawn before a node name.
func (s NodeStatus) Icon() string {
	return s.look().icon
}

// StyleForStatus returns the style used to draw a node in the given state.
// Unknown states draw like pending ones.
func StyleForStatus(s NodeStatus) lipgloss.Style {
	return s.look().style
}

// StatusFromEngine collapses the engine's node states onto the display set.
// Eligible nodes are still waiting for a worker, so they show as pending.
func StatusFromEngine(s engine.NodeStatus) NodeStatus {
	switch s {
	case engine.NodeRunning:
		return NodeRunning
	case engine.NodeSucceeded:
		return NodeCompleted
	case engine.NodeFailed:
		return NodeFailed
	case engine.NodeSkipped:
		return NodeSkipped
	default:
		return NodePending
	}
}

// SpinnerFrames animate running nodes.
var SpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
