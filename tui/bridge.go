// ABOUTME: Bridge connecting a flowline execution to the Bubble Tea message loop.
// ABOUTME: Provides tea.Cmd factories that start an execution, pump its event feed, and drive ticks.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

// Starter is the part of engine.Service the dashboard needs.
type Starter interface {
	Start(ctx context.Context, wf *workflow.Workflow, req engine.StartRequest) (*engine.Execution, error)
}

// StartExecutionCmd returns a tea.Cmd that starts wf and subscribes to its
// events. A rejected start is reported as an ExecutionResultMsg.
func StartExecutionCmd(ctx context.Context, svc Starter, wf *workflow.Workflow, req engine.StartRequest) tea.Cmd {
	return func() tea.Msg {
		exec, err := svc.Start(ctx, wf, req)
		if err != nil {
			return ExecutionResultMsg{Err: err}
		}
		history, live, unsubscribe := exec.Events().Subscribe()
		return ExecutionStartedMsg{
			Execution:   exec,
			History:     history,
			Live:        live,
			Unsubscribe: unsubscribe,
		}
	}
}

// WaitForEventCmd returns a tea.Cmd that blocks on the live feed. When the
// feed closes the execution has settled and its summary is returned.
func WaitForEventCmd(exec *engine.Execution, live <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-live
		if ok {
			return EngineEventMsg{Event: evt}
		}
		<-exec.Done()
		return ExecutionResultMsg{Summary: exec.Summary(), Err: exec.Err()}
	}
}

// TickCmd returns a tea.Cmd that sends a TickMsg after the given interval.
// Used for spinner animation and periodic UI refreshes.
func TickCmd(interval time.Duration) tea.Cmd {
	return func() tea.Msg {
		time.Sleep(interval)
		return TickMsg{Time: time.Now()}
	}
}
