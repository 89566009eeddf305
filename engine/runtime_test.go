// ABOUTME: Tests for the node runtime handle: state capability checks, the webhook response slot,
// ABOUTME: and resolution of attached chat, memory, and tool providers.
package engine

import (
	"context"
	"errors"
	"testing"

	muxllm "github.com/2389-research/mux/llm"

	"github.com/2389-research/flowline/workflow"
)

// stubClient implements muxllm.Client for testing without mocks.
type stubClient struct{ model string }

func (s *stubClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	return &muxllm.Response{Model: s.model}, nil
}

func (s *stubClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	ch := make(chan muxllm.StreamEvent)
	close(ch)
	return ch, nil
}

type stubChatProvider struct{}

func (stubChatProvider) Definition() Definition {
	return Definition{Type: "chat", Capabilities: []Capability{CapChatProvider}}
}

func (stubChatProvider) ChatModel(ctx context.Context, params Parameters) (muxllm.Client, error) {
	return &stubClient{model: params.String("model", "")}, nil
}

type stubToolProvider struct {
	name   string
	closed *int
}

func (p stubToolProvider) Definition() Definition {
	return Definition{Type: p.name, Capabilities: []Capability{CapToolProvider}}
}

func (p stubToolProvider) Tools(ctx context.Context, params Parameters) (ToolSet, error) {
	tool := Tool{
		Definition: muxllm.ToolDefinition{Name: p.name},
		Call: func(ctx context.Context, args map[string]any) (string, error) {
			return p.name, nil
		},
	}
	return ToolSet{Tools: []Tool{tool}, Close: func() error { *p.closed++; return nil }}, nil
}

func newTestRuntime(t *testing.T, def Definition, attachments ...Attachment) *Runtime {
	t.Helper()
	reg := testRegistry(t, newTriggerNode("trigger"))
	g, err := BuildGraph(newTestWorkflow([]workflow.Node{wfNode("t", "trigger")}), reg)
	if err != nil {
		t.Fatal(err)
	}
	exec := newExecution("exec-1", g, StartRequest{}, DefaultLimits())
	scope := newTemplateScope(workflow.Items{{"model": "from-input"}}, exec.outputs, exec.id, string(exec.mode))
	return &Runtime{exec: exec, nodeID: "n", def: def, attachments: attachments, scope: scope}
}

func TestRuntimeStateRequiresCapability(t *testing.T) {
	rt := newTestRuntime(t, Definition{Type: "plain", Capabilities: []Capability{CapExecutable}})
	if err := rt.SetState(1); !errors.Is(err, ErrNotStateful) {
		t.Errorf("SetState err = %v, want ErrNotStateful", err)
	}
	if err := rt.ClearState(); !errors.Is(err, ErrNotStateful) {
		t.Errorf("ClearState err = %v, want ErrNotStateful", err)
	}
	if _, ok := rt.State(); ok {
		t.Error("non-stateful node should never see state")
	}

	stateful := newTestRuntime(t, Definition{Type: "loop", Capabilities: []Capability{CapExecutable, CapStateful}})
	if err := stateful.SetState("x"); err != nil {
		t.Fatal(err)
	}
	if v, ok := stateful.State(); !ok || v != "x" {
		t.Errorf("State = %v, %v", v, ok)
	}
	if err := stateful.ClearState(); err != nil {
		t.Fatal(err)
	}
	if _, ok := stateful.State(); ok {
		t.Error("state should be cleared")
	}
}

func TestRuntimeStateCapacityDegradesToAbsent(t *testing.T) {
	rt := newTestRuntime(t, Definition{Type: "loop", Capabilities: []Capability{CapExecutable, CapStateful}})
	rt.exec.state = NewStateStore(1)
	rt.exec.state.Set("other", 1)
	if err := rt.SetState("x"); err != nil {
		t.Fatalf("capacity must not surface as an error: %v", err)
	}
	if _, ok := rt.State(); ok {
		t.Error("dropped write should leave state absent")
	}
	if rt.exec.state.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", rt.exec.state.Rejected())
	}
}

func TestRuntimeRespondOnce(t *testing.T) {
	plain := newTestRuntime(t, Definition{Type: "plain", Capabilities: []Capability{CapExecutable}})
	if err := plain.Respond(WebhookResponse{StatusCode: 200}); !errors.Is(err, ErrNotResponseProducer) {
		t.Errorf("err = %v, want ErrNotResponseProducer", err)
	}

	rt := newTestRuntime(t, Definition{Type: "respond", Capabilities: []Capability{CapExecutable, CapResponseProducer}})
	if err := rt.Respond(WebhookResponse{StatusCode: 201, Body: []byte("ok")}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Respond(WebhookResponse{StatusCode: 500}); !errors.Is(err, ErrAlreadyResponded) {
		t.Errorf("second respond err = %v, want ErrAlreadyResponded", err)
	}
	select {
	case resp := <-rt.exec.Response():
		if resp.StatusCode != 201 || string(resp.Body) != "ok" {
			t.Errorf("response = %+v", resp)
		}
	default:
		t.Fatal("response slot is empty")
	}
}

func TestRuntimeChatModelFromAttachment(t *testing.T) {
	def := Definition{Type: "agent", Capabilities: []Capability{CapExecutable}}
	rt := newTestRuntime(t, def)
	if _, err := rt.ChatModel(context.Background()); !errors.Is(err, ErrNoChatModel) {
		t.Fatalf("err = %v, want ErrNoChatModel", err)
	}

	provider := stubChatProvider{}
	node := &workflow.Node{ID: "model", Type: "chat", Parameters: map[string]any{"model": "{{ $json.model }}"}}
	rt = newTestRuntime(t, def, Attachment{Node: node, Definition: provider.Definition(), Impl: provider})
	client, err := rt.ChatModel(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := client.(*stubClient).model; got != "from-input" {
		t.Errorf("provider params not templated: model = %q", got)
	}
	mem, err := rt.Memory(context.Background())
	if err != nil || mem != nil {
		t.Errorf("Memory = %v, %v; want nil, nil", mem, err)
	}
}

func TestRuntimeToolsMergeProviders(t *testing.T) {
	closed := 0
	a := stubToolProvider{name: "a", closed: &closed}
	b := stubToolProvider{name: "b", closed: &closed}
	rt := newTestRuntime(t, Definition{Type: "agent", Capabilities: []Capability{CapExecutable}},
		Attachment{Node: &workflow.Node{ID: "ta", Type: "a"}, Definition: a.Definition(), Impl: a},
		Attachment{Node: &workflow.Node{ID: "tb", Type: "b"}, Definition: b.Definition(), Impl: b},
	)
	set, err := rt.Tools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Tools) != 2 || set.Tools[0].Definition.Name != "a" || set.Tools[1].Definition.Name != "b" {
		t.Fatalf("tools = %+v", set.Tools)
	}
	if err := set.Close(); err != nil {
		t.Fatal(err)
	}
	if closed != 2 {
		t.Errorf("closed %d providers, want 2", closed)
	}
}
