// ABOUTME: Registry of node types keyed by type id, validating declared capabilities at registration.
// ABOUTME: The engine queries declared capabilities instead of probing node shapes at call time.
package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps type ids to node implementations.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
	defs  map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[string]Node),
		defs:  make(map[string]Definition),
	}
}

// Register adds a node type. Every declared capability must be backed by the
// matching interface. Registering an existing type replaces it.
func (r *Registry) Register(n Node) error {
	def := n.Definition()
	if def.Type == "" {
		return fmt.Errorf("register node: empty type id")
	}
	if len(def.Capabilities) == 0 {
		return fmt.Errorf("register node %s: no capabilities declared", def.Type)
	}
	for _, c := range def.Capabilities {
		if err := checkCapability(n, def, c); err != nil {
			return fmt.Errorf("register node %s: %w", def.Type, err)
		}
	}
	seen := make(map[string]bool)
	for _, p := range def.OutputPorts() {
		if seen[p] {
			return fmt.Errorf("register node %s: duplicate output %q", def.Type, p)
		}
		seen[p] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[def.Type] = n
	r.defs[def.Type] = def
	return nil
}

// MustRegister registers each node and panics on error. Intended for static tables.
func (r *Registry) MustRegister(nodes ...Node) {
	for _, n := range nodes {
		if err := r.Register(n); err != nil {
			panic(err)
		}
	}
}

func checkCapability(n Node, def Definition, c Capability) error {
	var ok bool
	switch c {
	case CapExecutable:
		_, ok = n.(Executable)
	case CapChatProvider:
		_, ok = n.(ChatProvider)
	case CapMemoryProvider:
		_, ok = n.(MemoryProvider)
	case CapToolProvider:
		_, ok = n.(ToolProvider)
	case CapStateful, CapTrigger, CapResponseProducer:
		// These refine how an executable node is run.
		if !def.Has(CapExecutable) {
			return fmt.Errorf("capability %s requires %s", c, CapExecutable)
		}
		ok = true
	default:
		return fmt.Errorf("unknown capability %q", c)
	}
	if !ok {
		return fmt.Errorf("capability %s declared but not implemented by %T", c, n)
	}
	return nil
}

// Lookup returns the node and its definition for a type id.
func (r *Registry) Lookup(typeID string) (Node, Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[typeID]
	if !ok {
		return nil, Definition{}, false
	}
	return n, r.defs[typeID], true
}

// Definition returns the definition for a type id.
func (r *Registry) Definition(typeID string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typeID]
	return def, ok
}

// Executable returns the executable implementation for a type id, if it declares one.
func (r *Registry) Executable(typeID string) (Executable, bool) {
	n, def, ok := r.Lookup(typeID)
	if !ok || !def.Has(CapExecutable) {
		return nil, false
	}
	return n.(Executable), true
}

// Definitions returns every registered definition sorted by type id.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
