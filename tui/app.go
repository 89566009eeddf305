// ABOUTME: Top-level Bubble Tea AppModel that orchestrates all TUI sub-panels into a unified layout.
// ABOUTME: Implements tea.Model (Init, Update, View) and routes execution events to graph, detail, log, and status bar panels.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

// FocusTarget indicates which panel currently has keyboard focus.
type FocusTarget int

const (
	FocusGraph FocusTarget = iota
	FocusLog
)

const tickInterval = 100 * time.Millisecond

// AppModel is the top-level Bubble Tea model that composes all TUI sub-panels
// and routes messages between them. It starts one execution and follows it.
type AppModel struct {
	graph     GraphPanelModel
	detail    DetailPanelModel
	log       LogPanelModel
	statusBar StatusBarModel

	svc Starter
	wf  *workflow.Workflow
	req engine.StartRequest
	ctx context.Context

	exec        *engine.Execution
	live        <-chan engine.Event
	unsubscribe func()
	startedAt   map[string]time.Time

	focus   FocusTarget
	done    bool
	err     error
	summary engine.Summary
	width   int
	height  int
}

// NewAppModel creates an AppModel for wf. The graph is the validated form of
// wf and drives the layout before the first event arrives.
func NewAppModel(ctx context.Context, svc Starter, wf *workflow.Workflow, g *engine.Graph, req engine.StartRequest) AppModel {
	name := wf.Name
	if name == "" {
		name = wf.ID
	}
	total := 0
	if g != nil {
		total = len(g.Order())
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return AppModel{
		graph:     NewGraphPanelModel(g),
		detail:    NewDetailPanelModel(),
		log:       NewLogPanelModel(200),
		statusBar: NewStatusBarModel(name, total),
		svc:       svc,
		wf:        wf,
		req:       req,
		ctx:       ctx,
		startedAt: make(map[string]time.Time),
		focus:     FocusGraph,
	}
}

// Init implements tea.Model. Starts the execution and the tick loop.
func (m AppModel) Init() tea.Cmd {
	return tea.Batch(
		StartExecutionCmd(m.ctx, m.svc, m.wf, m.req),
		TickCmd(tickInterval),
	)
}

// Update implements tea.Model. Routes incoming messages to the appropriate
// sub-panel and returns the updated model with any follow-up commands.
func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleWindowSize(msg)

	case ExecutionStartedMsg:
		return m.handleExecutionStarted(msg)

	case EngineEventMsg:
		m = m.applyEvent(msg.Event)
		if m.live == nil {
			return m, nil
		}
		return m, WaitForEventCmd(m.exec, m.live)

	case ExecutionResultMsg:
		return m.handleExecutionResult(msg)

	case TickMsg:
		return m.handleTick(msg)

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}

	return m, nil
}

// View implements tea.Model. Renders the full TUI layout with all panels.
func (m AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	// Minimum terminal size guard to prevent layout overflow
	if m.width < 40 || m.height < 10 {
		return fmt.Sprintf("Terminal too small (%dx%d). Minimum: 40x10.", m.width, m.height)
	}

	statusBarHeight := 1
	graphHeight := (m.height - statusBarHeight) * 40 / 100
	if graphHeight < 3 {
		graphHeight = 3
	}
	bottomHeight := m.height - statusBarHeight - graphHeight
	if bottomHeight < 3 {
		bottomHeight = 3
	}

	detailWidth := m.width * 40 / 100
	if detailWidth < 10 {
		detailWidth = 10
	}
	logWidth := m.width - detailWidth
	if logWidth < 10 {
		logWidth = 10
	}

	m.graph.SetWidth(m.width)
	m.detail.SetSize(detailWidth, bottomHeight)
	m.log.SetSize(logWidth, bottomHeight)
	m.statusBar.SetWidth(m.width)

	bottomView := lipgloss.JoinHorizontal(lipgloss.Top, m.detail.View(), m.log.View())

	statusView := m.statusBar.View()

	var b strings.Builder
	b.WriteString(m.graph.View())
	b.WriteString("\n")
	b.WriteString(bottomView)
	b.WriteString("\n")
	b.WriteString(statusView)

	return b.String()
}

// Summary returns the final execution summary once the execution has settled.
func (m AppModel) Summary() (engine.Summary, bool) {
	return m.summary, m.done
}

func (m AppModel) handleWindowSize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height
	return m, nil
}

// handleExecutionStarted replays the events emitted before the subscription
// and then waits on the live feed.
func (m AppModel) handleExecutionStarted(msg ExecutionStartedMsg) (tea.Model, tea.Cmd) {
	m.exec = msg.Execution
	m.live = msg.Live
	m.unsubscribe = msg.Unsubscribe
	m.statusBar.SetExecutionID(msg.Execution.ID())
	for _, evt := range msg.History {
		m = m.applyEvent(evt)
	}
	return m, WaitForEventCmd(m.exec, m.live)
}

// applyEvent routes one execution event to the sub-panels.
func (m AppModel) applyEvent(evt engine.Event) AppModel {
	m.log.Append(evt)

	if evt.ExecutionLevel() {
		if evt.Kind == engine.EventStarted {
			m.statusBar.Start()
		}
		return m
	}

	switch evt.Kind {
	case engine.EventStarted:
		m.graph.SetNodeStatus(evt.NodeID, NodeRunning)
		m.statusBar.NodeStarted(evt.NodeID)
		m.startedAt[evt.NodeID] = evt.Timestamp
		m.detail.SetActiveNode(m.buildNodeDetail(evt, NodeRunning))

	case engine.EventCompleted:
		m.settle(evt.NodeID, NodeCompleted)
		m.detail.SetActiveNode(m.buildNodeDetail(evt, NodeCompleted))

	case engine.EventFailed:
		m.settle(evt.NodeID, NodeFailed)
		m.detail.SetActiveNode(m.buildNodeDetail(evt, NodeFailed))

	case engine.EventSkipped:
		m.settle(evt.NodeID, NodeSkipped)

	case engine.EventRetrying:
		m.statusBar.NodeRetrying()
	}

	return m
}

// settle marks a node terminal for its current activation.
func (m *AppModel) settle(nodeID string, status NodeStatus) {
	m.graph.SetNodeStatus(nodeID, status)
	m.statusBar.NodeSettled(nodeID, status)
}

func (m AppModel) handleExecutionResult(msg ExecutionResultMsg) (tea.Model, tea.Cmd) {
	m.done = true
	m.err = msg.Err
	m.summary = msg.Summary
	m.statusBar.Finish(msg.Summary, msg.Err)
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	// The summary is authoritative once the execution has settled.
	for id, st := range msg.Summary.Nodes {
		m.graph.SetNodeStatus(id, StatusFromEngine(st.Status))
	}
	return m, nil
}

// handleTick advances the spinner and returns a new tick while the execution runs.
func (m AppModel) handleTick(_ TickMsg) (tea.Model, tea.Cmd) {
	m.graph.AdvanceSpinner()
	if m.done {
		return m, nil
	}
	return m, TickCmd(tickInterval)
}

// handleKeyMsg processes app-level shortcuts. Quitting cancels a running execution.
func (m AppModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.exec != nil && !m.done {
			m.exec.Cancel()
		}
		return m, tea.Quit
	case "c":
		if m.exec != nil && !m.done {
			m.exec.Cancel()
		}
		return m, nil
	case "tab":
		m.focus = m.nextFocus()
		m.log.SetFocused(m.focus == FocusLog)
		return m, nil
	}

	if m.focus == FocusLog {
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd
	}
	return m, nil
}

// nextFocus cycles the focus target between graph and log.
func (m AppModel) nextFocus() FocusTarget {
	switch m.focus {
	case FocusGraph:
		return FocusLog
	case FocusLog:
		return FocusGraph
	default:
		return FocusGraph
	}
}

// buildNodeDetail constructs a NodeDetail from graph metadata and the event payload.
func (m AppModel) buildNodeDetail(evt engine.Event, status NodeStatus) NodeDetail {
	detail := NodeDetail{
		Name:   evt.NodeID,
		Status: status,
	}

	if g := m.graph.graph; g != nil {
		if node := g.Node(evt.NodeID); node != nil {
			detail.Name = node.DisplayName()
			detail.Type = m.graph.typeLabel(evt.NodeID)
		}
	}
	if start, ok := m.startedAt[evt.NodeID]; ok && status != NodeRunning {
		detail.Duration = evt.Timestamp.Sub(start)
	}
	if m.exec != nil {
		if st, ok := m.exec.NodeState(evt.NodeID); ok {
			detail.Activations = st.Activations
		}
	}

	p := evt.Payload
	if n, ok := p["activation"].(int); ok && n > detail.Activations {
		detail.Activations = n
	}
	if n, ok := p["items"].(int); ok {
		detail.Items = n
	}
	if counts, ok := p["branches"].(map[string]int); ok {
		detail.Branches = formatBranches(counts)
	}
	if preview, ok := p["preview"].(workflow.Items); ok && len(preview) > 0 {
		if b, err := json.Marshal(preview[0]); err == nil {
			detail.LastOutput = string(b)
		}
	}
	if e, ok := p["error"].(map[string]any); ok {
		detail.Error = fmt.Sprintf("%v", e["message"])
	}

	return detail
}

// formatBranches renders per-port counts as "false=1 true=2".
func formatBranches(counts map[string]int) string {
	ports := make([]string, 0, len(counts))
	for port := range counts {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	parts := make([]string, 0, len(ports))
	for _, port := range ports {
		parts = append(parts, fmt.Sprintf("%s=%d", port, counts[port]))
	}
	return strings.Join(parts, " ")
}
