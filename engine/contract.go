// ABOUTME: Node contract: definitions, declared capabilities, and the interfaces node types implement.
// ABOUTME: Defines Input/Result shapes exchanged with Executable nodes and the AI provider capabilities.
package engine

import (
	"context"
	"net/http"

	muxllm "github.com/2389-research/mux/llm"

	"github.com/2389-research/flowline/workflow"
)

// Capability is a typed feature a node type declares at registration time.
type Capability string

const (
	CapExecutable       Capability = "executable"
	CapChatProvider     Capability = "chatProvider"
	CapMemoryProvider   Capability = "memoryProvider"
	CapToolProvider     Capability = "toolProvider"
	CapStateful         Capability = "stateful"
	CapTrigger          Capability = "trigger"
	CapResponseProducer Capability = "responseProducer"
)

// ParameterSpec documents one parameter a node type accepts.
type ParameterSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Definition describes a node type: its ports, parameters, and capabilities.
type Definition struct {
	Type         string          `json:"type"`
	DisplayName  string          `json:"displayName,omitempty"`
	Description  string          `json:"description,omitempty"`
	Inputs       []string        `json:"inputs,omitempty"`
	Outputs      []string        `json:"outputs,omitempty"`
	Parameters   []ParameterSpec `json:"parameters,omitempty"`
	Capabilities []Capability    `json:"capabilities"`
}

// Has reports whether the definition declares the capability.
func (d Definition) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// InputPorts returns the declared input ports, defaulting to ["main"].
func (d Definition) InputPorts() []string {
	if len(d.Inputs) == 0 {
		return []string{workflow.DefaultPort}
	}
	return d.Inputs
}

// OutputPorts returns the declared output ports, defaulting to ["main"].
func (d Definition) OutputPorts() []string {
	if len(d.Outputs) == 0 {
		return []string{workflow.DefaultPort}
	}
	return d.Outputs
}

// Branching reports whether the type declares more than one output port.
func (d Definition) Branching() bool {
	return len(d.Outputs) > 1
}

// HasOutput reports whether port is one of the declared outputs.
func (d Definition) HasOutput(port string) bool {
	for _, p := range d.OutputPorts() {
		if p == port {
			return true
		}
	}
	return false
}

// HasInput reports whether port is one of the declared inputs.
func (d Definition) HasInput(port string) bool {
	for _, p := range d.InputPorts() {
		if p == port {
			return true
		}
	}
	return false
}

// Node is implemented by every node type.
type Node interface {
	Definition() Definition
}

// Executable nodes run as steps of an execution.
type Executable interface {
	Node
	Execute(ctx context.Context, in Input, params Parameters, rt *Runtime) (Result, error)
}

// ChatProvider nodes supply a language model client to the node they are attached to.
type ChatProvider interface {
	Node
	ChatModel(ctx context.Context, params Parameters) (muxllm.Client, error)
}

// Memory stores conversation history for an attached consumer.
type Memory interface {
	Load(ctx context.Context) ([]muxllm.Message, error)
	Append(ctx context.Context, msgs ...muxllm.Message) error
}

// MemoryProvider nodes supply conversation memory to the node they are attached to.
type MemoryProvider interface {
	Node
	Memory(ctx context.Context, params Parameters, rt *Runtime) (Memory, error)
}

// Tool is one callable function offered to a language model.
type Tool struct {
	Definition muxllm.ToolDefinition
	Call       func(ctx context.Context, args map[string]any) (string, error)
}

// ToolSet is a group of tools plus the cleanup for whatever backs them.
type ToolSet struct {
	Tools []Tool
	Close func() error
}

// ToolProvider nodes supply tools to the node they are attached to.
type ToolProvider interface {
	Node
	Tools(ctx context.Context, params Parameters) (ToolSet, error)
}

// WebhookResponse is the custom HTTP response a response producer sets.
type WebhookResponse struct {
	StatusCode int
	Headers    map[string]string
	Cookies    []*http.Cookie
	Body       []byte
}

// Input is the data delivered to a node, grouped by input port.
type Input struct {
	ports []string
	items map[string]workflow.Items
}

// NewInput builds an Input holding items on the "main" port.
func NewInput(items workflow.Items) Input {
	return Input{
		ports: []string{workflow.DefaultPort},
		items: map[string]workflow.Items{workflow.DefaultPort: items},
	}
}

// newPortInput builds an Input with a fixed port order.
func newPortInput(ports []string) Input {
	return Input{ports: ports, items: make(map[string]workflow.Items, len(ports))}
}

func (in *Input) add(port string, items workflow.Items) {
	if in.items == nil {
		in.items = make(map[string]workflow.Items)
	}
	if _, known := in.items[port]; !known {
		found := false
		for _, p := range in.ports {
			if p == port {
				found = true
				break
			}
		}
		if !found {
			in.ports = append(in.ports, port)
		}
	}
	in.items[port] = append(in.items[port], items...)
}

// Port returns the items delivered on the named input port.
func (in Input) Port(name string) workflow.Items {
	return in.items[name]
}

// Ports returns the input port names in declared order.
func (in Input) Ports() []string {
	return in.ports
}

// Main returns every delivered item, concatenated in port order.
func (in Input) Main() workflow.Items {
	var out workflow.Items
	for _, p := range in.ports {
		out = append(out, in.items[p]...)
	}
	return out
}

// Len returns the total number of delivered items.
func (in Input) Len() int {
	n := 0
	for _, items := range in.items {
		n += len(items)
	}
	return n
}

// clone deep-copies the delivered items so a node cannot corrupt a retry.
func (in Input) clone() Input {
	out := Input{ports: append([]string(nil), in.ports...), items: make(map[string]workflow.Items, len(in.items))}
	for p, items := range in.items {
		out.items[p] = items.Clone()
	}
	return out
}

// Result is what an Executable returns. Single-output nodes set Items;
// nodes with named outputs set Ports.
type Result struct {
	Items workflow.Items
	Ports map[string]workflow.Items
}

// ItemsResult wraps items as a single-output result.
func ItemsResult(items workflow.Items) Result {
	return Result{Items: items}
}

// PortResult places items on one named output port.
func PortResult(port string, items workflow.Items) Result {
	return Result{Ports: map[string]workflow.Items{port: items}}
}
