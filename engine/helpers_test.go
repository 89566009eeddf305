// ABOUTME: Test doubles for engine tests: configurable node types and small workflow builders.
// ABOUTME: Nodes count their calls atomically because batches dispatch concurrently.
package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389-research/flowline/workflow"
)

type executeFunc func(ctx context.Context, in Input, params Parameters, rt *Runtime) (Result, error)

// testNode is a configurable node type. With no fn it passes its input through.
type testNode struct {
	def   Definition
	fn    executeFunc
	calls atomic.Int32
}

func (n *testNode) Definition() Definition { return n.def }

func (n *testNode) Execute(ctx context.Context, in Input, params Parameters, rt *Runtime) (Result, error) {
	n.calls.Add(1)
	if n.fn == nil {
		return ItemsResult(in.Main()), nil
	}
	return n.fn(ctx, in, params, rt)
}

func (n *testNode) callCount() int { return int(n.calls.Load()) }

func newTestNode(typeName string, fn executeFunc, caps ...Capability) *testNode {
	return &testNode{
		def: Definition{Type: typeName, Capabilities: append([]Capability{CapExecutable}, caps...)},
		fn:  fn,
	}
}

// newTriggerNode emits its input.
func newTriggerNode(typeName string) *testNode {
	return newTestNode(typeName, nil, CapTrigger)
}

// newPassNode passes input through.
func newPassNode(typeName string) *testNode {
	return newTestNode(typeName, nil)
}

// newBranchNode routes each item to "true" or "false" by its "ok" field.
func newBranchNode(typeName string) *testNode {
	n := newTestNode(typeName, func(ctx context.Context, in Input, params Parameters, rt *Runtime) (Result, error) {
		res := Result{Ports: map[string]workflow.Items{"true": nil, "false": nil}}
		for _, it := range in.Main() {
			if ok, _ := it["ok"].(bool); ok {
				res.Ports["true"] = append(res.Ports["true"], it)
			} else {
				res.Ports["false"] = append(res.Ports["false"], it)
			}
		}
		return res, nil
	})
	n.def.Outputs = []string{"true", "false"}
	return n
}

// newAlwaysTrueNode routes everything to "true".
func newAlwaysTrueNode(typeName string) *testNode {
	n := newTestNode(typeName, func(ctx context.Context, in Input, params Parameters, rt *Runtime) (Result, error) {
		return PortResult("true", in.Main()), nil
	})
	n.def.Outputs = []string{"true", "false"}
	return n
}

type loopState struct {
	items workflow.Items
	pos   int
}

// newLoopNode emits one item per activation on "continue", then a summary on "done".
func newLoopNode(typeName string) *testNode {
	n := newTestNode(typeName, func(ctx context.Context, in Input, params Parameters, rt *Runtime) (Result, error) {
		var st *loopState
		if v, ok := rt.State(); ok {
			st = v.(*loopState)
		} else {
			st = &loopState{items: in.Main()}
		}
		if st.pos >= len(st.items) {
			if err := rt.ClearState(); err != nil {
				return Result{}, err
			}
			return PortResult("done", workflow.Items{{"iterations": st.pos}}), nil
		}
		item := st.items[st.pos]
		st.pos++
		if err := rt.SetState(st); err != nil {
			return Result{}, err
		}
		return PortResult("continue", workflow.Items{item}), nil
	}, CapStateful)
	n.def.Outputs = []string{"continue", "done"}
	return n
}

// newFailNode always returns an error.
func newFailNode(typeName string) *testNode {
	return newTestNode(typeName, func(ctx context.Context, in Input, params Parameters, rt *Runtime) (Result, error) {
		return Result{}, errors.New("boom")
	})
}

// newBlockingNode waits until release is closed, ignoring cancellation.
func newBlockingNode(typeName string, release <-chan struct{}) *testNode {
	return newTestNode(typeName, func(ctx context.Context, in Input, params Parameters, rt *Runtime) (Result, error) {
		<-release
		return ItemsResult(in.Main()), nil
	})
}

func testRegistry(t *testing.T, nodes ...Node) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, n := range nodes {
		if err := reg.Register(n); err != nil {
			t.Fatalf("register %s: %v", n.Definition().Type, err)
		}
	}
	return reg
}

func newTestWorkflow(nodes []workflow.Node, conns ...workflow.Connection) *workflow.Workflow {
	return &workflow.Workflow{ID: "wf", Name: "test", Nodes: nodes, Connections: conns}
}

func wfNode(id, typeName string) workflow.Node {
	return workflow.Node{ID: id, Type: typeName}
}

func link(src, tgt string) workflow.Connection {
	return workflow.Connection{Source: src, Target: tgt}
}

func linkPort(src, out, tgt, in string) workflow.Connection {
	return workflow.Connection{Source: src, SourceOutput: out, Target: tgt, TargetInput: in}
}

func runWorkflow(t *testing.T, svc *Service, wf *workflow.Workflow, req StartRequest) *Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := svc.Start(ctx, wf, req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := exec.Wait(ctx); err != nil && ctx.Err() != nil {
		t.Fatalf("execution did not finish: %v", err)
	}
	return exec
}

func mustOutput(t *testing.T, exec *Execution, id string) NodeOutput {
	t.Helper()
	out, ok := exec.Outputs().Get(id)
	if !ok {
		t.Fatalf("no output committed for %s", id)
	}
	return out
}

func nodeStatus(t *testing.T, exec *Execution, id string) NodeState {
	t.Helper()
	st, ok := exec.NodeState(id)
	if !ok {
		t.Fatalf("no state for node %s", id)
	}
	return st
}

func eventsOfKind(exec *Execution, kind EventKind, nodeID string) []Event {
	var out []Event
	for _, e := range exec.Events().History() {
		if e.Kind == kind && e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// waitForStatus polls until the node reaches status or the deadline passes.
func waitForStatus(t *testing.T, exec *Execution, id string, status NodeStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := exec.NodeState(id); st.Status == status {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("node %s never reached %s", id, status)
}
