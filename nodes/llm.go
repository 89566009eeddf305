// ABOUTME: Chat model provider nodes for OpenAI (and compatible servers), Anthropic, and Gemini.
// ABOUTME: Each attaches to an agent and hands it a mux client configured from node parameters.
package nodes

import (
	"context"
	"fmt"

	muxllm "github.com/2389-research/mux/llm"

	"github.com/2389-research/flowline/engine"
)

func chatModelParams(defaultModel, keyEnv string) []engine.ParameterSpec {
	return []engine.ParameterSpec{
		{Name: "model", Type: "string", Default: defaultModel},
		{Name: "apiKey", Type: "string", Description: "defaults to $" + keyEnv},
		{Name: "temperature", Type: "number"},
		{Name: "maxTokens", Type: "number"},
	}
}

func apiKey(params engine.Parameters, getenv func(string) string, env string) (string, error) {
	if key := params.String("apiKey", ""); key != "" {
		return key, nil
	}
	if getenv != nil {
		if key := getenv(env); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("no API key: set apiKey or %s", env)
}

// configuredClient applies node-level defaults to every request.
type configuredClient struct {
	muxllm.Client
	temperature *float64
	maxTokens   int
}

func configure(c muxllm.Client, params engine.Parameters) muxllm.Client {
	cc := &configuredClient{Client: c, maxTokens: params.Int("maxTokens", 0)}
	if _, ok := params["temperature"]; ok {
		t := params.Float("temperature", 0)
		cc.temperature = &t
	}
	if cc.temperature == nil && cc.maxTokens == 0 {
		return c
	}
	return cc
}

func (c *configuredClient) apply(req *muxllm.Request) *muxllm.Request {
	r := *req
	if r.Temperature == nil {
		r.Temperature = c.temperature
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = c.maxTokens
	}
	return &r
}

func (c *configuredClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	return c.Client.CreateMessage(ctx, c.apply(req))
}

func (c *configuredClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	return c.Client.CreateMessageStream(ctx, c.apply(req))
}

// OpenAIChatModel supplies an OpenAI model. With baseURL set it talks to any
// Chat Completions compatible server instead.
type OpenAIChatModel struct {
	Getenv func(string) string
}

func (m *OpenAIChatModel) Definition() engine.Definition {
	return engine.Definition{
		Type:         "lmChatOpenAI",
		DisplayName:  "OpenAI Chat Model",
		Parameters:   append(chatModelParams(defaultOpenAIModel, "OPENAI_API_KEY"), engine.ParameterSpec{Name: "baseURL", Type: "string"}),
		Capabilities: []engine.Capability{engine.CapChatProvider},
	}
}

func (m *OpenAIChatModel) ChatModel(ctx context.Context, params engine.Parameters) (muxllm.Client, error) {
	baseURL := params.String("baseURL", "")
	key, err := apiKey(params, m.Getenv, "OPENAI_API_KEY")
	if err != nil {
		// Local compatible servers usually take any key.
		if baseURL == "" {
			return nil, err
		}
		key = "unused"
	}
	model := params.String("model", defaultOpenAIModel)
	if baseURL != "" {
		return configure(newChatCompletionsClient(key, model, baseURL), params), nil
	}
	return configure(muxllm.NewOpenAIClient(key, model), params), nil
}

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicChatModel supplies a Claude model.
type AnthropicChatModel struct {
	Getenv func(string) string
}

func (m *AnthropicChatModel) Definition() engine.Definition {
	return engine.Definition{
		Type:         "lmChatAnthropic",
		DisplayName:  "Anthropic Chat Model",
		Parameters:   chatModelParams(defaultAnthropicModel, "ANTHROPIC_API_KEY"),
		Capabilities: []engine.Capability{engine.CapChatProvider},
	}
}

func (m *AnthropicChatModel) ChatModel(ctx context.Context, params engine.Parameters) (muxllm.Client, error) {
	key, err := apiKey(params, m.Getenv, "ANTHROPIC_API_KEY")
	if err != nil {
		return nil, err
	}
	return configure(muxllm.NewAnthropicClient(key, params.String("model", defaultAnthropicModel)), params), nil
}

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiChatModel supplies a Google Gemini model.
type GeminiChatModel struct {
	Getenv func(string) string
}

func (m *GeminiChatModel) Definition() engine.Definition {
	return engine.Definition{
		Type:         "lmChatGemini",
		DisplayName:  "Gemini Chat Model",
		Parameters:   chatModelParams(defaultGeminiModel, "GEMINI_API_KEY"),
		Capabilities: []engine.Capability{engine.CapChatProvider},
	}
}

func (m *GeminiChatModel) ChatModel(ctx context.Context, params engine.Parameters) (muxllm.Client, error) {
	key, err := apiKey(params, m.Getenv, "GEMINI_API_KEY")
	if err != nil {
		return nil, err
	}
	c, err := muxllm.NewGeminiClient(ctx, key, params.String("model", defaultGeminiModel))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return configure(c, params), nil
}
