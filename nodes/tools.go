// ABOUTME: Tool provider nodes: toolHttpRequest exposes one URL as a tool, toolMcpClient exposes an MCP server's tools.
// ABOUTME: MCP sessions are opened per agent activation and closed through the ToolSet.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"strings"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389-research/flowline/engine"
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// HTTPTool lets the model call one HTTP endpoint. The model supplies the
// query parameters and, for methods with a body, a JSON body.
type HTTPTool struct {
	Client *http.Client
}

func (h *HTTPTool) Definition() engine.Definition {
	return engine.Definition{
		Type:        "toolHttpRequest",
		DisplayName: "HTTP Request Tool",
		Parameters: []engine.ParameterSpec{
			{Name: "name", Type: "string", Required: true},
			{Name: "description", Type: "string", Required: true},
			{Name: "url", Type: "string", Required: true},
			{Name: "method", Type: "string", Default: "GET"},
			{Name: "headers", Type: "object"},
		},
		Capabilities: []engine.Capability{engine.CapToolProvider},
	}
}

func (h *HTTPTool) Tools(ctx context.Context, params engine.Parameters) (engine.ToolSet, error) {
	name := params.String("name", "")
	if !toolNamePattern.MatchString(name) {
		return engine.ToolSet{}, fmt.Errorf("invalid tool name %q", name)
	}
	target := params.String("url", "")
	if target == "" {
		return engine.ToolSet{}, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(params.String("method", http.MethodGet))
	headers := params.Map("headers")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	props := map[string]any{
		"query": map[string]any{
			"type":                 "object",
			"description":          "query string parameters",
			"additionalProperties": map[string]any{"type": "string"},
		},
	}
	if method != http.MethodGet && method != http.MethodHead {
		props["body"] = map[string]any{"type": "object", "description": "JSON request body"}
	}

	tool := engine.Tool{
		Definition: muxllm.ToolDefinition{
			Name:        name,
			Description: params.String("description", ""),
			InputSchema: map[string]any{"type": "object", "properties": props},
		},
		Call: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(map[string]any)
			resp, err := doRequest(ctx, client, requestSpec{
				method:  method,
				url:     target,
				headers: headers,
				query:   query,
				body:    args["body"],
			})
			if err != nil {
				return "", err
			}
			if resp.status >= 400 {
				return "", fmt.Errorf("status %d: %s", resp.status, truncate(string(resp.body), 512))
			}
			return string(resp.body), nil
		},
	}
	return engine.ToolSet{Tools: []engine.Tool{tool}}, nil
}

// MCPTool exposes the tools of an MCP server, launched as a subprocess
// (command, args) or reached over streamable HTTP (endpoint).
type MCPTool struct {
	// Transport overrides how the server is reached. Tests use it for in-memory servers.
	Transport func(params engine.Parameters) (mcp.Transport, error)
}

func (m *MCPTool) Definition() engine.Definition {
	return engine.Definition{
		Type:        "toolMcpClient",
		DisplayName: "MCP Client Tool",
		Parameters: []engine.ParameterSpec{
			{Name: "command", Type: "string"},
			{Name: "args", Type: "list"},
			{Name: "endpoint", Type: "string"},
			{Name: "include", Type: "list", Description: "tool names to expose; all when empty"},
		},
		Capabilities: []engine.Capability{engine.CapToolProvider},
	}
}

func (m *MCPTool) transport(params engine.Parameters) (mcp.Transport, error) {
	if m.Transport != nil {
		return m.Transport(params)
	}
	command := params.String("command", "")
	endpoint := params.String("endpoint", "")
	switch {
	case command != "" && endpoint != "":
		return nil, fmt.Errorf("set command or endpoint, not both")
	case command != "":
		return &mcp.CommandTransport{Command: exec.Command(command, params.Strings("args")...)}, nil
	case endpoint != "":
		return &mcp.StreamableClientTransport{Endpoint: endpoint}, nil
	default:
		return nil, fmt.Errorf("command or endpoint is required")
	}
}

func (m *MCPTool) Tools(ctx context.Context, params engine.Parameters) (engine.ToolSet, error) {
	transport, err := m.transport(params)
	if err != nil {
		return engine.ToolSet{}, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "flowline", Version: "v0.1.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return engine.ToolSet{}, fmt.Errorf("connect mcp server: %w", err)
	}
	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return engine.ToolSet{}, fmt.Errorf("list mcp tools: %w", err)
	}

	include := make(map[string]bool)
	for _, n := range params.Strings("include") {
		include[n] = true
	}
	var tools []engine.Tool
	for _, t := range listed.Tools {
		if len(include) > 0 && !include[t.Name] {
			continue
		}
		tools = append(tools, engine.Tool{
			Definition: muxllm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaMap(t.InputSchema),
			},
			Call: mcpCaller(session, t.Name),
		})
	}
	return engine.ToolSet{Tools: tools, Close: session.Close}, nil
}

func mcpCaller(session *mcp.ClientSession, name string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			return "", err
		}
		var parts []string
		for _, c := range res.Content {
			if text, ok := c.(*mcp.TextContent); ok {
				parts = append(parts, text.Text)
			}
		}
		out := strings.Join(parts, "\n")
		if res.IsError {
			return "", fmt.Errorf("%s", out)
		}
		return out, nil
	}
}

// schemaMap normalizes a listed tool's input schema to a JSON object.
func schemaMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	out := map[string]any{"type": "object"}
	if schema == nil {
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return out
	}
	return m
}
