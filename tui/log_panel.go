// ABOUTME: Implements a scrollable event log panel using the bubbles viewport component.
// ABOUTME: Displays execution events with color-coded formatting based on event kind.
package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/flowline/engine"
)

// LogPanelModel is a scrollable event log that displays execution events.
type LogPanelModel struct {
	entries  []engine.Event
	max      int
	viewport viewport.Model
	focused  bool
	width    int
	height   int
}

// NewLogPanelModel creates a new log panel with a maximum number of entries.
// If maxEntries is <= 0, it defaults to 200.
func NewLogPanelModel(maxEntries int) LogPanelModel {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	vp := viewport.New(80, 10)
	return LogPanelModel{
		entries:  make([]engine.Event, 0, maxEntries),
		max:      maxEntries,
		viewport: vp,
	}
}

// Append adds an event to the log, evicting the oldest entry if at capacity.
func (m *LogPanelModel) Append(evt engine.Event) {
	if len(m.entries) >= m.max {
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, evt)
	m.syncViewport()
}

// Len returns the number of entries in the log.
func (m LogPanelModel) Len() int {
	return len(m.entries)
}

// SetFocused sets whether this panel accepts keyboard input.
func (m *LogPanelModel) SetFocused(focused bool) {
	m.focused = focused
}

// IsFocused returns whether the panel is focused.
func (m LogPanelModel) IsFocused() bool {
	return m.focused
}

// Update forwards key input to the viewport while the panel is focused.
func (m LogPanelModel) Update(msg tea.Msg) (LogPanelModel, tea.Cmd) {
	if !m.focused {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// SetSize sets the available dimensions and updates the viewport.
func (m *LogPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	// Reserve space for the border (2 lines top/bottom) and title (1 line)
	vpWidth := w - 2
	vpHeight := h - 3
	if vpWidth < 1 {
		vpWidth = 1
	}
	if vpHeight < 1 {
		vpHeight = 1
	}
	m.viewport.Width = vpWidth
	m.viewport.Height = vpHeight
	m.syncViewport()
}

// View renders the log panel.
func (m LogPanelModel) View() string {
	title := "EVENT LOG"
	if m.focused {
		title = "EVENT LOG (focused)"
	}

	var content string
	if len(m.entries) == 0 {
		content = "No events yet"
	} else {
		content = m.viewport.View()
	}

	rendered := TitleStyle.Render(title) + "\n" + content

	return BorderStyle.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(rendered)
}

// syncViewport rebuilds the viewport content from entries and scrolls to the bottom.
func (m *LogPanelModel) syncViewport() {
	if len(m.entries) == 0 {
		m.viewport.SetContent("")
		return
	}
	lines := make([]string, 0, len(m.entries))
	for _, evt := range m.entries {
		lines = append(lines, formatEntry(evt))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// formatEntry formats a single execution event as a log line.
func formatEntry(evt engine.Event) string {
	ts := LogTimestampStyle.Render(evt.Timestamp.Format("15:04:05"))
	kind := eventStyle(evt.Kind).Render(string(evt.Kind))

	parts := []string{ts, fmt.Sprintf("#%d", evt.Sequence), kind}
	if evt.NodeID != "" {
		parts = append(parts, fmt.Sprintf("[%s]", evt.NodeID))
	} else {
		parts = append(parts, "[execution]")
	}

	if len(evt.Payload) > 0 {
		parts = append(parts, formatData(evt.Payload))
	}

	return strings.Join(parts, " ")
}

// formatData formats event data as compact sorted key=value pairs. The item
// preview is left to the detail panel.
func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "preview" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, formatValue(data[k])))
	}
	return strings.Join(pairs, " ")
}

// formatValue renders nested maps as compact JSON so they stay on one line.
func formatValue(v any) string {
	switch v.(type) {
	case map[string]any, map[string]int, []any:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v)
}

// eventStyle returns the appropriate lipgloss style for a given event kind.
func eventStyle(kind engine.EventKind) lipgloss.Style {
	switch kind {
	case engine.EventStarted:
		return LogEventStyle
	case engine.EventCompleted:
		return LogSuccessStyle
	case engine.EventFailed, engine.EventCancelled:
		return LogErrorStyle
	case engine.EventRetrying:
		return LogRetryStyle
	case engine.EventSkipped:
		return LogSkipStyle
	case engine.EventTestWebhook:
		return LogTestStyle
	default:
		return LogEventStyle
	}
}
