// ABOUTME: Chat Completions client for OpenAI and OpenAI-compatible servers, used by the openAiChatModel node.
// ABOUTME: Translates between mux message blocks and the Chat Completions message and tool-call shapes.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultMaxTokens   = 4096
)

// chatCompletionsClient speaks /v1/chat/completions, which every
// OpenAI-compatible provider (OpenRouter, Ollama, vLLM, LiteLLM) serves.
type chatCompletionsClient struct {
	api   openai.Client
	model string
}

func newChatCompletionsClient(apiKey, model, baseURL string, extra ...option.RequestOption) *chatCompletionsClient {
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &chatCompletionsClient{api: openai.NewClient(append(opts, extra...)...), model: model}
}

var _ muxllm.Client = (*chatCompletionsClient)(nil)

func (c *chatCompletionsClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	completion, err := c.api.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	return fromCompletion(completion), nil
}

func (c *chatCompletionsClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	stream := c.api.Chat.Completions.NewStreaming(ctx, c.params(req))
	events := make(chan muxllm.StreamEvent, 64)
	go func() {
		defer close(events)
		defer stream.Close()
		var acc openai.ChatCompletionAccumulator
		events <- muxllm.StreamEvent{Type: muxllm.EventMessageStart}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				events <- muxllm.StreamEvent{Type: muxllm.EventContentDelta, Text: chunk.Choices[0].Delta.Content}
			}
			if call, ok := acc.JustFinishedToolCall(); ok {
				events <- muxllm.StreamEvent{
					Type: muxllm.EventContentStop,
					Block: &muxllm.ContentBlock{
						Type:  muxllm.ContentTypeToolUse,
						ID:    call.ID,
						Name:  call.Name,
						Input: decodeToolArgs(call.Name, call.Arguments),
					},
				}
			}
		}
		if err := stream.Err(); err != nil {
			events <- muxllm.StreamEvent{Type: muxllm.EventError, Error: err}
			return
		}
		events <- muxllm.StreamEvent{Type: muxllm.EventMessageStop, Response: fromCompletion(&acc.ChatCompletion)}
	}()
	return events, nil
}

func (c *chatCompletionsClient) params(req *muxllm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	p := openai.ChatCompletionNewParams{
		Model:               model,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		p.Temperature = openai.Float(*req.Temperature)
	}
	if req.System != "" {
		p.Messages = append(p.Messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		p.Messages = append(p.Messages, toCompletionMessages(m)...)
	}
	for _, t := range req.Tools {
		p.Tools = append(p.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.InputSchema),
			},
		})
	}
	return p
}

// toCompletionMessages maps one mux message to one or more Chat Completions
// messages. Each tool result becomes its own "tool" message.
func toCompletionMessages(m muxllm.Message) []openai.ChatCompletionMessageParamUnion {
	if m.Role == muxllm.RoleAssistant {
		return []openai.ChatCompletionMessageParamUnion{toAssistantMessage(m)}
	}
	var out []openai.ChatCompletionMessageParamUnion
	text := m.Content
	for _, b := range m.Blocks {
		switch b.Type {
		case muxllm.ContentTypeToolResult:
			out = append(out, openai.ToolMessage(b.Text, b.ToolUseID))
		case muxllm.ContentTypeText:
			if text == "" {
				text = b.Text
			}
		}
	}
	if text != "" || len(out) == 0 {
		out = append(out, openai.UserMessage(text))
	}
	return out
}

func toAssistantMessage(m muxllm.Message) openai.ChatCompletionMessageParamUnion {
	text := m.Content
	var calls []openai.ChatCompletionMessageToolCallParam
	for _, b := range m.Blocks {
		switch b.Type {
		case muxllm.ContentTypeText:
			text = b.Text
		case muxllm.ContentTypeToolUse:
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = []byte("{}")
			}
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID:   b.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
	}
	if len(calls) == 0 {
		return openai.AssistantMessage(text)
	}
	msg := openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: calls}
	if text != "" {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func fromCompletion(c *openai.ChatCompletion) *muxllm.Response {
	resp := &muxllm.Response{
		ID:    c.ID,
		Model: c.Model,
		Usage: muxllm.Usage{
			InputTokens:  int(c.Usage.PromptTokens),
			OutputTokens: int(c.Usage.CompletionTokens),
		},
		StopReason: muxllm.StopReasonEndTurn,
	}
	if len(c.Choices) == 0 {
		return resp
	}
	choice := c.Choices[0]
	switch choice.FinishReason {
	case "tool_calls":
		resp.StopReason = muxllm.StopReasonToolUse
	case "length":
		resp.StopReason = muxllm.StopReasonMaxTokens
	}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, muxllm.ContentBlock{Type: muxllm.ContentTypeText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Content = append(resp.Content, muxllm.ContentBlock{
			Type:  muxllm.ContentTypeToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: decodeToolArgs(tc.Function.Name, tc.Function.Arguments),
		})
	}
	return resp
}

func decodeToolArgs(name, raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		log.Printf("component=nodes.openai action=decode_tool_args tool=%s err=%v", name, err)
		return map[string]any{}
	}
	return args
}
