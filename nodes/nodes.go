// ABOUTME: Built-in node types for flowline workflows and the helpers to register them.
// ABOUTME: Options carry the shared HTTP client and environment lookup used by network and model nodes.
package nodes

import (
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389-research/flowline/engine"
)

const defaultHTTPTimeout = 30 * time.Second

// Options configure the built-in node types.
type Options struct {
	// HTTPClient is used by httpRequest and toolHttpRequest.
	HTTPClient *http.Client
	// Getenv resolves API key defaults for chat model nodes.
	Getenv func(string) string
	// MCPTransport, when set, replaces the command and endpoint transports
	// of toolMcpClient.
	MCPTransport func(engine.Parameters) (mcp.Transport, error)
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	return o
}

// Builtins returns one instance of every built-in node type.
func Builtins(opts Options) []engine.Node {
	opts = opts.withDefaults()
	return []engine.Node{
		&ManualTrigger{},
		&Webhook{},
		&Set{},
		&If{},
		&Switch{},
		&SplitInBatches{},
		&Merge{},
		&NoOp{},
		&Wait{},
		&RespondToWebhook{},
		&StopAndError{},
		NewMarkdown(),
		&HTTPRequest{Client: opts.HTTPClient},
		&Agent{},
		&OpenAIChatModel{Getenv: opts.Getenv},
		&AnthropicChatModel{Getenv: opts.Getenv},
		&GeminiChatModel{Getenv: opts.Getenv},
		NewBufferWindowMemory(defaultMaxSessions),
		&HTTPTool{Client: opts.HTTPClient},
		&MCPTool{Transport: opts.MCPTransport},
	}
}

// Register adds every built-in node type to reg.
func Register(reg *engine.Registry, opts Options) error {
	for _, n := range Builtins(opts) {
		if err := reg.Register(n); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding every built-in node type.
func NewRegistry(opts Options) *engine.Registry {
	reg := engine.NewRegistry()
	reg.MustRegister(Builtins(opts)...)
	return reg
}

func executable(caps ...engine.Capability) []engine.Capability {
	return append([]engine.Capability{engine.CapExecutable}, caps...)
}
