// ABOUTME: Bubble Tea message types used in the TUI message loop.
// ABOUTME: Each type wraps an execution lifecycle signal for the tea.Msg interface.
package tui

import (
	"time"

	"github.com/2389-research/flowline/engine"
)

// EngineEventMsg wraps an engine.Event for the Bubble Tea message loop.
type EngineEventMsg struct {
	Event engine.Event
}

// ExecutionStartedMsg carries a freshly started execution and its event
// subscription. History holds events emitted before the subscription.
type ExecutionStartedMsg struct {
	Execution   *engine.Execution
	History     []engine.Event
	Live        <-chan engine.Event
	Unsubscribe func()
}

// ExecutionResultMsg signals that the execution has settled, or that it
// could not be started at all.
type ExecutionResultMsg struct {
	Summary engine.Summary
	Err     error
}

// TickMsg is sent periodically to update timers and spinners.
type TickMsg struct {
	Time time.Time
}
