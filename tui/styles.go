// ABOUTME: lipgloss styles for the dashboard: panel frames, node states, graph edges, log kinds, and the status bar.
// ABOUTME: Colors use the 256-color palette so the dashboard renders the same in most terminals.
package tui

import "github.com/charmbracelet/lipgloss"

const (
	colorAccent  = lipgloss.Color("62")
	colorTitle   = lipgloss.Color("170")
	colorMuted   = lipgloss.Color("241")
	colorDim     = lipgloss.Color("245")
	colorText    = lipgloss.Color("252")
	colorWarn    = lipgloss.Color("214")
	colorOK      = lipgloss.Color("42")
	colorBad     = lipgloss.Color("196")
	colorInfo    = lipgloss.Color("75")
	colorTest    = lipgloss.Color("177")
	colorBarBack = lipgloss.Color("236")
)

func fg(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

var (
	BorderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent)
	TitleStyle  = fg(colorTitle).Bold(true)

	PendingStyle   = fg(colorMuted)
	RunningStyle   = fg(colorWarn).Bold(true)
	CompletedStyle = fg(colorOK)
	FailedStyle    = fg(colorBad).Bold(true)
	SkippedStyle   = fg(colorDim)

	EdgeStyle = fg(colorMuted)

	LogTimestampStyle = fg(colorMuted)
	LogEventStyle     = fg(colorInfo)
	LogErrorStyle     = fg(colorBad)
	LogSuccessStyle   = fg(colorOK)
	LogRetryStyle     = fg(colorWarn)
	LogSkipStyle      = fg(colorDim)
	LogTestStyle      = fg(colorTest)

	StatusBarStyle = lipgloss.NewStyle().Background(colorBarBack).Foreground(colorText).Padding(0, 1)

	// Detail rows: fixed-width label column.
	LabelStyle = fg(colorMuted).Width(10)
	ValueStyle = fg(colorText)
)
