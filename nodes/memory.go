// ABOUTME: The memoryBufferWindow node: per-session conversation history trimmed to a window of exchanges.
// ABOUTME: Sessions live in process memory and the least recently used ones are evicted past a bound.
package nodes

import (
	"context"
	"fmt"
	"sync"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/golang/groupcache/lru"

	"github.com/2389-research/flowline/engine"
)

const (
	defaultMaxSessions = 1000
	defaultWindowSize  = 10
)

// BufferWindowMemory keeps the last windowSize exchanges of each session.
type BufferWindowMemory struct {
	mu       sync.Mutex
	sessions *lru.Cache
}

// NewBufferWindowMemory returns a memory node holding at most maxSessions sessions.
func NewBufferWindowMemory(maxSessions int) *BufferWindowMemory {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &BufferWindowMemory{sessions: lru.New(maxSessions)}
}

func (b *BufferWindowMemory) Definition() engine.Definition {
	return engine.Definition{
		Type:        "memoryBufferWindow",
		DisplayName: "Window Buffer Memory",
		Parameters: []engine.ParameterSpec{
			{Name: "sessionKey", Type: "string", Description: "defaults to the workflow id"},
			{Name: "windowSize", Type: "number", Default: defaultWindowSize, Description: "exchanges kept per session"},
		},
		Capabilities: []engine.Capability{engine.CapMemoryProvider},
	}
}

func (b *BufferWindowMemory) Memory(ctx context.Context, params engine.Parameters, rt *engine.Runtime) (engine.Memory, error) {
	key := params.String("sessionKey", "")
	if key == "" {
		key = rt.WorkflowID()
	}
	window := params.Int("windowSize", defaultWindowSize)
	if window < 1 {
		return nil, fmt.Errorf("windowSize must be at least 1, got %d", window)
	}
	return &sessionMemory{store: b, key: key, limit: window * 2}, nil
}

// Sessions returns the number of sessions currently held.
func (b *BufferWindowMemory) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions.Len()
}

func (b *BufferWindowMemory) load(key string) []muxllm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.sessions.Get(key)
	if !ok {
		return nil
	}
	return append([]muxllm.Message(nil), v.([]muxllm.Message)...)
}

func (b *BufferWindowMemory) append(key string, limit int, msgs []muxllm.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var history []muxllm.Message
	if v, ok := b.sessions.Get(key); ok {
		history = v.([]muxllm.Message)
	}
	history = append(append([]muxllm.Message(nil), history...), msgs...)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	b.sessions.Add(key, history)
}

type sessionMemory struct {
	store *BufferWindowMemory
	key   string
	limit int
}

func (m *sessionMemory) Load(ctx context.Context) ([]muxllm.Message, error) {
	return m.store.load(m.key), nil
}

func (m *sessionMemory) Append(ctx context.Context, msgs ...muxllm.Message) error {
	m.store.append(m.key, m.limit, msgs)
	return nil
}
