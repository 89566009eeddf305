// ABOUTME: Shared helpers for node tests: a service wrapper, workflow builders, and a scripted chat model.
// ABOUTME: Nodes are exercised through real executions rather than by calling Execute directly.
package nodes

import (
	"context"
	"sync"
	"testing"
	"time"

	muxllm "github.com/2389-research/mux/llm"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

func testService(t *testing.T, extra ...engine.Node) *engine.Service {
	t.Helper()
	reg := NewRegistry(Options{Getenv: func(string) string { return "" }})
	for _, n := range extra {
		if err := reg.Register(n); err != nil {
			t.Fatalf("register %s: %v", n.Definition().Type, err)
		}
	}
	return engine.NewService(engine.Config{Registry: reg})
}

func node(id, typ string, params map[string]any) workflow.Node {
	return workflow.Node{ID: id, Type: typ, Parameters: params}
}

func edge(src, tgt string) workflow.Connection {
	return workflow.Connection{Source: src, Target: tgt}
}

func edgeFrom(src, port, tgt string) workflow.Connection {
	return workflow.Connection{Source: src, SourceOutput: port, Target: tgt}
}

func edgeTo(src, tgt, input string) workflow.Connection {
	return workflow.Connection{Source: src, Target: tgt, TargetInput: input}
}

func flow(nodes []workflow.Node, conns ...workflow.Connection) *workflow.Workflow {
	return &workflow.Workflow{ID: "wf", Name: "test", Nodes: nodes, Connections: conns}
}

// run executes wf to completion with the given start items.
func run(t *testing.T, svc *engine.Service, wf *workflow.Workflow, items workflow.Items) *engine.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := svc.Start(ctx, wf, engine.StartRequest{Mode: engine.ModeManual, Items: items})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := exec.Wait(ctx); err != nil && ctx.Err() != nil {
		t.Fatalf("wait: %v", err)
	}
	return exec
}

func mustComplete(t *testing.T, exec *engine.Execution) {
	t.Helper()
	if st := exec.Status(); st != engine.StatusCompleted {
		t.Fatalf("status = %s (err %v), want completed", st, exec.Err())
	}
}

func outputOf(t *testing.T, exec *engine.Execution, id string) engine.NodeOutput {
	t.Helper()
	out, ok := exec.Outputs().Get(id)
	if !ok {
		t.Fatalf("node %s has no output", id)
	}
	return out
}

func branchOf(t *testing.T, exec *engine.Execution, id, port string) workflow.Items {
	t.Helper()
	items, _ := outputOf(t, exec, id).Branch(port)
	return items
}

// scriptedClient replays canned responses and records each request.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*muxllm.Response
	requests  []muxllm.Request
}

func (c *scriptedClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *req
	cp.Messages = append([]muxllm.Message(nil), req.Messages...)
	c.requests = append(c.requests, cp)
	if len(c.responses) == 0 {
		return &muxllm.Response{Content: []muxllm.ContentBlock{{Type: muxllm.ContentTypeText, Text: "done"}}}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	ch := make(chan muxllm.StreamEvent)
	close(ch)
	return ch, nil
}

func (c *scriptedClient) seen() []muxllm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]muxllm.Request(nil), c.requests...)
}

// scriptedModel is a chat provider node handing out one scriptedClient.
type scriptedModel struct {
	client *scriptedClient
}

func (m *scriptedModel) Definition() engine.Definition {
	return engine.Definition{Type: "scriptedModel", Capabilities: []engine.Capability{engine.CapChatProvider}}
}

func (m *scriptedModel) ChatModel(ctx context.Context, params engine.Parameters) (muxllm.Client, error) {
	return m.client, nil
}

func textResponse(text string) *muxllm.Response {
	return &muxllm.Response{
		StopReason: muxllm.StopReasonEndTurn,
		Content:    []muxllm.ContentBlock{{Type: muxllm.ContentTypeText, Text: text}},
	}
}

func toolUseResponse(id, name string, input map[string]any) *muxllm.Response {
	return &muxllm.Response{
		StopReason: muxllm.StopReasonToolUse,
		Content:    []muxllm.ContentBlock{{Type: muxllm.ContentTypeToolUse, ID: id, Name: name, Input: input}},
	}
}
