// ABOUTME: Bubble Tea sub-model for displaying detailed information about the active workflow node.
// ABOUTME: Renders node name, type, status, duration, activations, item counts, error, and an output preview.
package tui

import (
	"fmt"
	"strings"
	"time"
)

// NodeDetail holds metadata for the currently active/selected node.
type NodeDetail struct {
	Name        string
	Type        string
	Status      NodeStatus
	Duration    time.Duration
	Activations int
	Items       int    // items on the node's output
	Branches    string // per-port item counts for branching nodes
	Error       string
	LastOutput  string // preview of the first output item
}

// DetailPanelModel displays detailed information about the active workflow node.
type DetailPanelModel struct {
	active *NodeDetail
	width  int
	height int
}

// NewDetailPanelModel creates a new DetailPanelModel with no active node.
func NewDetailPanelModel() DetailPanelModel {
	return DetailPanelModel{}
}

// SetActiveNode updates the panel with new node details.
func (m *DetailPanelModel) SetActiveNode(detail NodeDetail) {
	m.active = &detail
}

// Active returns the node currently shown, if any.
func (m DetailPanelModel) Active() (NodeDetail, bool) {
	if m.active == nil {
		return NodeDetail{}, false
	}
	return *m.active, true
}

// Clear removes the active node.
func (m *DetailPanelModel) Clear() {
	m.active = nil
}

// SetSize sets the available dimensions.
func (m *DetailPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// maxOutputLen is the maximum number of characters shown for LastOutput.
const maxOutputLen = 80

// truncateOutput truncates s to maxOutputLen characters, appending "..." if truncated.
func truncateOutput(s string) string {
	runes := []rune(s)
	if len(runes) <= maxOutputLen {
		return s
	}
	return string(runes[:maxOutputLen]) + "..."
}

// View renders the detail panel as a string.
func (m DetailPanelModel) View() string {
	title := TitleStyle.Render("NODE DETAIL")

	var content string
	if m.active == nil {
		content = title + "\n\n" + ValueStyle.Render("No active node")
	} else {
		d := m.active

		statusStr := StyleForStatus(d.Status).Render(d.Status.String())
		if d.Duration > 0 {
			statusStr += " " + d.Duration.Round(time.Millisecond).String()
		}

		lines := []string{
			title,
			row("Name:", d.Name),
			row("Type:", d.Type),
			LabelStyle.Render("Status:") + statusStr,
			row("Runs:", fmt.Sprintf("%d", d.Activations)),
			row("Items:", fmt.Sprintf("%d", d.Items)),
		}
		if d.Branches != "" {
			lines = append(lines, row("Branches:", d.Branches))
		}
		if d.Error != "" {
			lines = append(lines, LabelStyle.Render("Error:")+FailedStyle.Render(truncateOutput(d.Error)))
		}
		lines = append(lines, row("Output:", truncateOutput(d.LastOutput)))

		content = strings.Join(lines, "\n")
	}

	style := BorderStyle
	if m.width > 0 {
		style = style.Width(m.width)
	}
	if m.height > 0 {
		style = style.Height(m.height)
	}

	return style.Render(content)
}

// row renders a label-value pair using the standard label and value styles.
func row(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}
