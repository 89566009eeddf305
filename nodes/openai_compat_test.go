// ABOUTME: Tests for the Chat Completions client against a fake OpenAI-compatible server.
package nodes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	muxllm "github.com/2389-research/mux/llm"

	"github.com/2389-research/flowline/engine"
)

type fakeCompletions struct {
	mu       sync.Mutex
	requests []map[string]any
	reply    string
}

func (f *fakeCompletions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, body)
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(f.reply))
}

const toolCallReply = `{
  "id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "local-model",
  "choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
    "role": "assistant", "content": "",
    "tool_calls": [{"id": "call-9", "type": "function", "function": {"name": "add", "arguments": "{\"a\":1,\"b\":2}"}}]
  }}],
  "usage": {"prompt_tokens": 11, "completion_tokens": 4, "total_tokens": 15}
}`

func TestOpenAIChatModelUsesBaseURL(t *testing.T) {
	fake := &fakeCompletions{reply: toolCallReply}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	model := &OpenAIChatModel{Getenv: func(string) string { return "" }}
	client, err := model.ChatModel(context.Background(), engine.Parameters{
		"baseURL":     srv.URL + "/v1",
		"model":       "local-model",
		"temperature": 0.2,
	})
	if err != nil {
		t.Fatalf("ChatModel: %v", err)
	}

	resp, err := client.CreateMessage(context.Background(), &muxllm.Request{
		System: "be helpful",
		Messages: []muxllm.Message{
			{Role: muxllm.RoleUser, Content: "add"},
			{Role: muxllm.RoleAssistant, Blocks: []muxllm.ContentBlock{{Type: muxllm.ContentTypeToolUse, ID: "call-1", Name: "add", Input: map[string]any{"a": 0}}}},
			{Role: muxllm.RoleUser, Blocks: []muxllm.ContentBlock{
				{Type: muxllm.ContentTypeToolResult, ToolUseID: "call-1", Text: "0"},
			}},
		},
		Tools: []muxllm.ToolDefinition{{Name: "add", Description: "adds", InputSchema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if resp.StopReason != muxllm.StopReasonToolUse {
		t.Errorf("stop reason = %v", resp.StopReason)
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(resp.Content) != 1 || resp.Content[0].Name != "add" || resp.Content[0].ID != "call-9" {
		t.Fatalf("content = %+v", resp.Content)
	}
	if resp.Content[0].Input["b"] != float64(2) {
		t.Errorf("tool input = %v", resp.Content[0].Input)
	}

	if len(fake.requests) != 1 {
		t.Fatalf("server saw %d requests", len(fake.requests))
	}
	req := fake.requests[0]
	if req["model"] != "local-model" || req["temperature"] != 0.2 {
		t.Errorf("model/temperature = %v/%v", req["model"], req["temperature"])
	}
	msgs := req["messages"].([]any)
	var roles []string
	for _, m := range msgs {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,tool" {
		t.Errorf("roles = %s", got)
	}
	if tools := req["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", tools)
	}
}

func TestChatModelsRequireKeys(t *testing.T) {
	empty := func(string) string { return "" }
	providers := []engine.ChatProvider{
		&OpenAIChatModel{Getenv: empty},
		&AnthropicChatModel{Getenv: empty},
		&GeminiChatModel{Getenv: empty},
	}
	for _, p := range providers {
		if _, err := p.ChatModel(context.Background(), engine.Parameters{}); err == nil || !strings.Contains(err.Error(), "API key") {
			t.Errorf("%s: err = %v, want missing key", p.Definition().Type, err)
		}
	}
}

func TestChatModelKeyFromEnvironment(t *testing.T) {
	env := func(k string) string {
		if k == "ANTHROPIC_API_KEY" {
			return "sk-test"
		}
		return ""
	}
	client, err := (&AnthropicChatModel{Getenv: env}).ChatModel(context.Background(), engine.Parameters{"maxTokens": 100})
	if err != nil {
		t.Fatalf("ChatModel: %v", err)
	}
	cc, ok := client.(*configuredClient)
	if !ok || cc.maxTokens != 100 || cc.temperature != nil {
		t.Errorf("client = %#v, want configured with maxTokens only", client)
	}
}
