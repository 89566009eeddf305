// ABOUTME: ExecutionContext for one workflow run: status, node states, stores, event channel, cancellation.
// ABOUTME: Also carries the webhook response slot filled by a response producer node.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/2389-research/flowline/workflow"
)

// Status is the execution-wide status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Mode records what started an execution.
type Mode string

const (
	ModeManual  Mode = "manual"
	ModeWebhook Mode = "webhook"
)

// NodeStatus is the state of one node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeEligible  NodeStatus = "eligible"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status is final for its current activation.
func (s NodeStatus) Terminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

// SkipReason explains a skipped node.
type SkipReason string

const (
	SkipNoData       SkipReason = "noData"
	SkipCancelled    SkipReason = "cancelled"
	SkipNotTriggered SkipReason = "notTriggered"
)

// NodeState is the observable state of one node.
type NodeState struct {
	Status      NodeStatus          `json:"status"`
	SkipReason  SkipReason          `json:"skipReason,omitempty"`
	Activations int                 `json:"activations"`
	Error       *NodeExecutionError `json:"error,omitempty"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	FinishedAt  *time.Time          `json:"finishedAt,omitempty"`
}

// Summary is a serializable snapshot of an execution.
type Summary struct {
	ID            string               `json:"id"`
	WorkflowID    string               `json:"workflowId"`
	Mode          Mode                 `json:"mode"`
	TestMode      bool                 `json:"testMode"`
	Status        Status               `json:"status"`
	StartedAt     time.Time            `json:"startedAt"`
	FinishedAt    *time.Time           `json:"finishedAt,omitempty"`
	Error         *NodeExecutionError  `json:"error,omitempty"`
	Nodes         map[string]NodeState `json:"nodes"`
	EventCount    int                  `json:"eventCount"`
	DroppedEvents uint64               `json:"droppedEvents"`
}

// Execution is the full in-memory state of one workflow run.
type Execution struct {
	id         string
	workflowID string
	mode       Mode
	testMode   bool
	graph      *Graph
	outputs    *OutputStore
	state      *StateStore
	events     *EventChannel
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	status     Status
	finishedAt time.Time
	err        *NodeExecutionError
	nodes      map[string]*NodeState

	responseOnce sync.Once
	response     chan WebhookResponse
}

func newExecution(id string, g *Graph, req StartRequest, limits Limits) *Execution {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Execution{
		id:         id,
		workflowID: g.Workflow().ID,
		mode:       req.Mode,
		testMode:   req.TestMode,
		graph:      g,
		outputs:    NewOutputStore(),
		state:      NewStateStore(limits.MaxStateEntries),
		events:     NewEventChannel(id, limits.MaxEventsPerExecution),
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     StatusRunning,
		nodes:      make(map[string]*NodeState, len(g.Order())),
		response:   make(chan WebhookResponse, 1),
	}
	if e.mode == "" {
		e.mode = ModeManual
	}
	for _, id := range g.Order() {
		e.nodes[id] = &NodeState{Status: NodePending}
	}
	return e
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.id }

// WorkflowID returns the id of the workflow being run.
func (e *Execution) WorkflowID() string { return e.workflowID }

// Mode returns what started the execution.
func (e *Execution) Mode() Mode { return e.mode }

// TestMode reports whether the run was started in test mode.
func (e *Execution) TestMode() bool { return e.testMode }

// Graph returns the graph snapshot being executed.
func (e *Execution) Graph() *Graph { return e.graph }

// Outputs returns the execution's output store.
func (e *Execution) Outputs() *OutputStore { return e.outputs }

// RuntimeState returns the execution's state store.
func (e *Execution) RuntimeState() *StateStore { return e.state }

// Events returns the execution's event channel.
func (e *Execution) Events() *EventChannel { return e.events }

// StartedAt returns when the execution was created.
func (e *Execution) StartedAt() time.Time { return e.startedAt }

// Done is closed when the execution reaches a terminal status.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Cancel raises the cancellation signal. The scheduler observes it between
// dispatch batches and before starting each node.
func (e *Execution) Cancel() {
	e.cancel()
}

// Status returns the current execution status.
func (e *Execution) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Err returns the first unrecovered node error, or nil.
func (e *Execution) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.err == nil {
		return nil
	}
	return e.err
}

// Wait blocks until the execution is terminal or ctx is done.
func (e *Execution) Wait(ctx context.Context) (Status, error) {
	select {
	case <-e.done:
		return e.Status(), e.Err()
	case <-ctx.Done():
		return e.Status(), ctx.Err()
	}
}

// NodeState returns a copy of one node's state.
func (e *Execution) NodeState(id string) (NodeState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.nodes[id]
	if !ok {
		return NodeState{}, false
	}
	return *st, true
}

// NodeStates returns copies of all node states.
func (e *Execution) NodeStates() map[string]NodeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]NodeState, len(e.nodes))
	for id, st := range e.nodes {
		out[id] = *st
	}
	return out
}

// Response delivers the custom webhook response once a producer sets it.
func (e *Execution) Response() <-chan WebhookResponse {
	return e.response
}

// Summary returns a serializable snapshot.
func (e *Execution) Summary() Summary {
	e.mu.RLock()
	s := Summary{
		ID:         e.id,
		WorkflowID: e.workflowID,
		Mode:       e.mode,
		TestMode:   e.testMode,
		Status:     e.status,
		StartedAt:  e.startedAt,
		Error:      e.err,
		Nodes:      make(map[string]NodeState, len(e.nodes)),
	}
	if !e.finishedAt.IsZero() {
		t := e.finishedAt
		s.FinishedAt = &t
	}
	for id, st := range e.nodes {
		s.Nodes[id] = *st
	}
	e.mu.RUnlock()
	s.EventCount = e.events.Len()
	s.DroppedEvents = e.events.Dropped()
	return s
}

func (e *Execution) nodeStatus(id string) NodeStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.nodes[id]; ok {
		return st.Status
	}
	return ""
}

func (e *Execution) updateNode(id string, fn func(st *NodeState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.nodes[id]
	if !ok {
		st = &NodeState{}
		e.nodes[id] = st
	}
	fn(st)
}

func (e *Execution) emit(kind EventKind, nodeID string, payload map[string]any) Event {
	return e.events.Append(kind, nodeID, payload)
}

func (e *Execution) setResponse(resp WebhookResponse) error {
	err := ErrAlreadyResponded
	e.responseOnce.Do(func() {
		e.response <- resp
		err = nil
	})
	return err
}

// finish records the terminal status and closes Done. Only the first call wins.
func (e *Execution) finish(status Status, err *NodeExecutionError) bool {
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.status = status
	e.err = err
	e.finishedAt = time.Now()
	e.mu.Unlock()
	e.cancel()
	close(e.done)
	return true
}

// release discards stores once the execution is no longer retained.
func (e *Execution) release() {
	e.state.Reset()
	e.outputs.reset()
	e.events.release()
}

func (e *Execution) entryItems(req StartRequest, nodeID string) workflow.Items {
	if req.TriggerNodeID == "" || req.TriggerNodeID == nodeID {
		if len(req.Items) > 0 {
			return req.Items.Clone()
		}
	}
	return workflow.Items{{}}
}
