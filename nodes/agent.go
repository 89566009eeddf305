// ABOUTME: The agent node: a tool-calling loop over the attached chat model, memory, and tools.
// ABOUTME: Each input item yields one output item holding the model's final answer.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/tidwall/gjson"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

const defaultMaxIterations = 10

// ErrMaxIterations is returned when the model keeps calling tools past maxIterations.
var ErrMaxIterations = errors.New("agent reached max iterations")

// Agent answers a prompt per item, calling attached tools until the model
// stops asking for them.
type Agent struct{}

func (Agent) Definition() engine.Definition {
	return engine.Definition{
		Type:        "agent",
		DisplayName: "AI Agent",
		Description: "Runs a tool-calling conversation with the attached chat model",
		Parameters: []engine.ParameterSpec{
			{Name: "prompt", Type: "string", Description: "user message; defaults to the promptField of each item"},
			{Name: "promptField", Type: "string", Default: "chatInput", Description: "gjson path read when prompt is empty"},
			{Name: "systemMessage", Type: "string"},
			{Name: "maxIterations", Type: "number", Default: defaultMaxIterations},
			{Name: "returnIntermediateSteps", Type: "boolean", Default: false},
		},
		Capabilities: executable(),
	}
}

// step records one tool call made while answering.
type step struct {
	Tool    string         `json:"tool"`
	Input   map[string]any `json:"input"`
	Output  string         `json:"output"`
	IsError bool           `json:"isError,omitempty"`
}

func (Agent) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	client, err := rt.ChatModel(ctx)
	if err != nil {
		return engine.Result{}, err
	}
	mem, err := rt.Memory(ctx)
	if err != nil {
		return engine.Result{}, err
	}
	tools, err := rt.Tools(ctx)
	if err != nil {
		return engine.Result{}, err
	}
	defer func() {
		if tools.Close == nil {
			return
		}
		if err := tools.Close(); err != nil {
			log.Printf("component=nodes.agent action=close_tools node=%s err=%v", rt.NodeID(), err)
		}
	}()

	loop := agentLoop{
		client:        client,
		memory:        mem,
		tools:         tools.Tools,
		system:        params.String("systemMessage", ""),
		maxIterations: params.Int("maxIterations", defaultMaxIterations),
	}
	if loop.maxIterations < 1 {
		return engine.Result{}, fmt.Errorf("maxIterations must be at least 1, got %d", loop.maxIterations)
	}
	withSteps := params.Bool("returnIntermediateSteps", false)

	items := in.Main()
	if len(items) == 0 {
		items = workflow.Items{{}}
	}
	out := make(workflow.Items, 0, len(items))
	for i, it := range items {
		prompt, err := promptFor(params, it)
		if err != nil {
			return engine.Result{}, fmt.Errorf("item %d: %w", i, err)
		}
		answer, steps, err := loop.run(ctx, prompt)
		if err != nil {
			return engine.Result{}, fmt.Errorf("item %d: %w", i, err)
		}
		res := workflow.Item{"output": answer}
		if withSteps {
			list := make([]any, len(steps))
			for j, s := range steps {
				list[j] = map[string]any{"tool": s.Tool, "input": s.Input, "output": s.Output, "isError": s.IsError}
			}
			res["intermediateSteps"] = list
		}
		out = append(out, res)
	}
	return engine.ItemsResult(out), nil
}

func promptFor(params engine.Parameters, it workflow.Item) (string, error) {
	if p := params.String("prompt", ""); p != "" {
		return p, nil
	}
	field := params.String("promptField", "chatInput")
	v := gjson.GetBytes(it.JSON(), field)
	if !v.Exists() || v.String() == "" {
		return "", fmt.Errorf("no prompt: set prompt or provide %q", field)
	}
	return v.String(), nil
}

type agentLoop struct {
	client        muxllm.Client
	memory        engine.Memory
	tools         []engine.Tool
	system        string
	maxIterations int
}

func (l agentLoop) definitions() []muxllm.ToolDefinition {
	defs := make([]muxllm.ToolDefinition, len(l.tools))
	for i, t := range l.tools {
		defs[i] = t.Definition
	}
	return defs
}

func (l agentLoop) lookup(name string) (engine.Tool, bool) {
	for _, t := range l.tools {
		if t.Definition.Name == name {
			return t, true
		}
	}
	return engine.Tool{}, false
}

// run converses until the model answers without tool calls. Only the user
// prompt and the final answer are written back to memory.
func (l agentLoop) run(ctx context.Context, prompt string) (string, []step, error) {
	var history []muxllm.Message
	if l.memory != nil {
		prior, err := l.memory.Load(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("load memory: %w", err)
		}
		history = append(history, prior...)
	}
	user := muxllm.Message{Role: muxllm.RoleUser, Content: prompt}
	messages := append(history, user)

	var steps []step
	for iter := 0; iter < l.maxIterations; iter++ {
		resp, err := l.client.CreateMessage(ctx, &muxllm.Request{
			Messages: messages,
			Tools:    l.definitions(),
			System:   l.system,
		})
		if err != nil {
			return "", steps, fmt.Errorf("chat model: %w", err)
		}

		var text strings.Builder
		var calls []muxllm.ContentBlock
		for _, b := range resp.Content {
			switch b.Type {
			case muxllm.ContentTypeText:
				text.WriteString(b.Text)
			case muxllm.ContentTypeToolUse:
				calls = append(calls, b)
			}
		}
		if len(calls) == 0 {
			answer := text.String()
			if l.memory != nil {
				if err := l.memory.Append(ctx, user, muxllm.Message{Role: muxllm.RoleAssistant, Content: answer}); err != nil {
					return "", steps, fmt.Errorf("save memory: %w", err)
				}
			}
			return answer, steps, nil
		}

		messages = append(messages, muxllm.Message{Role: muxllm.RoleAssistant, Blocks: resp.Content})
		results := make([]muxllm.ContentBlock, 0, len(calls))
		for _, call := range calls {
			s := l.call(ctx, call)
			steps = append(steps, s)
			results = append(results, muxllm.ContentBlock{
				Type:      muxllm.ContentTypeToolResult,
				ToolUseID: call.ID,
				Text:      s.Output,
				IsError:   s.IsError,
			})
		}
		messages = append(messages, muxllm.Message{Role: muxllm.RoleUser, Blocks: results})
	}
	return "", steps, fmt.Errorf("%w (%d)", ErrMaxIterations, l.maxIterations)
}

// call runs one tool. Unknown tools and tool failures are reported back to
// the model rather than failing the node.
func (l agentLoop) call(ctx context.Context, call muxllm.ContentBlock) step {
	s := step{Tool: call.Name, Input: call.Input}
	tool, ok := l.lookup(call.Name)
	if !ok {
		s.Output = "Unknown tool: " + call.Name
		s.IsError = true
		return s
	}
	args := call.Input
	if args == nil {
		args = map[string]any{}
	}
	out, err := tool.Call(ctx, args)
	if err != nil {
		s.Output = fmt.Sprintf("Tool error (%s): %v", call.Name, err)
		s.IsError = true
		return s
	}
	s.Output = out
	return s
}
