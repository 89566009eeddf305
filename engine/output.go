// ABOUTME: NodeOutput keeps branch data as the single source of truth and derives the flat view on demand.
// ABOUTME: OutputStore holds each node's last committed output, copying on write and on read.
package engine

import (
	"encoding/json"
	"sync"

	"github.com/2389-research/flowline/workflow"
)

// PortItems is the data one output port produced.
type PortItems struct {
	Port  string
	Items workflow.Items
}

// NodeOutput is the result of one node execution.
type NodeOutput struct {
	items     workflow.Items
	branches  []PortItems
	branching bool
}

// NewOutput builds a non-branching output.
func NewOutput(items workflow.Items) NodeOutput {
	return NodeOutput{items: items}
}

// NewBranchOutput builds a branching output with ports in the given order.
func NewBranchOutput(ports ...PortItems) NodeOutput {
	return NodeOutput{branches: ports, branching: true}
}

// IsBranching reports whether the output has named branches.
func (o NodeOutput) IsBranching() bool {
	return o.branching
}

// Branch returns the items on a named branch and whether the branch exists.
func (o NodeOutput) Branch(port string) (workflow.Items, bool) {
	for _, b := range o.branches {
		if b.Port == port {
			return b.Items, true
		}
	}
	return nil, false
}

// Branches returns the branch port names in order.
func (o NodeOutput) Branches() []string {
	names := make([]string, len(o.branches))
	for i, b := range o.branches {
		names[i] = b.Port
	}
	return names
}

// Main derives the flattened view: the concatenation of all branches, or the
// single item sequence of a non-branching output. It must not be used to
// decide downstream eligibility.
func (o NodeOutput) Main() workflow.Items {
	if !o.branching {
		return o.items
	}
	var out workflow.Items
	for _, b := range o.branches {
		out = append(out, b.Items...)
	}
	return out
}

// Len returns the number of items across all ports.
func (o NodeOutput) Len() int {
	if !o.branching {
		return len(o.items)
	}
	n := 0
	for _, b := range o.branches {
		n += len(b.Items)
	}
	return n
}

// Clone returns a deep copy.
func (o NodeOutput) Clone() NodeOutput {
	out := NodeOutput{items: o.items.Clone(), branching: o.branching}
	if o.branches != nil {
		out.branches = make([]PortItems, len(o.branches))
		for i, b := range o.branches {
			out.branches[i] = PortItems{Port: b.Port, Items: b.Items.Clone()}
		}
	}
	return out
}

// MarshalJSON renders {"main": [...], "branches": {...}} for observers.
func (o NodeOutput) MarshalJSON() ([]byte, error) {
	view := struct {
		Main     workflow.Items            `json:"main"`
		Branches map[string]workflow.Items `json:"branches,omitempty"`
	}{Main: o.Main()}
	if view.Main == nil {
		view.Main = workflow.Items{}
	}
	if o.branching {
		view.Branches = make(map[string]workflow.Items, len(o.branches))
		for _, b := range o.branches {
			items := b.Items
			if items == nil {
				items = workflow.Items{}
			}
			view.Branches[b.Port] = items
		}
	}
	return json.Marshal(view)
}

// OutputStore maps node ids to their last committed output for one execution.
// A retired output no longer routes data to downstream nodes but is still
// reported by Get and Snapshot until the node commits again.
type OutputStore struct {
	mu      sync.RWMutex
	outputs map[string]NodeOutput
	retired map[string]NodeOutput
	runs    map[string]int
}

// NewOutputStore creates an empty store.
func NewOutputStore() *OutputStore {
	return &OutputStore{
		outputs: make(map[string]NodeOutput),
		retired: make(map[string]NodeOutput),
		runs:    make(map[string]int),
	}
}

// Commit stores a copy of out as the node's current output.
func (s *OutputStore) Commit(nodeID string, out NodeOutput) {
	stored := out.Clone()
	s.mu.Lock()
	s.outputs[nodeID] = stored
	delete(s.retired, nodeID)
	s.runs[nodeID]++
	s.mu.Unlock()
}

// Get returns a copy of the node's last committed output, retired or not.
func (s *OutputStore) Get(nodeID string) (NodeOutput, bool) {
	s.mu.RLock()
	out, ok := s.outputs[nodeID]
	if !ok {
		out, ok = s.retired[nodeID]
	}
	s.mu.RUnlock()
	if !ok {
		return NodeOutput{}, false
	}
	return out.Clone(), true
}

// view returns the routable output without copying. Callers must not mutate it.
func (s *OutputStore) view(nodeID string) (NodeOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[nodeID]
	return out, ok
}

// Runs returns how many times the node committed an output.
func (s *OutputStore) Runs(nodeID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[nodeID]
}

// Snapshot returns copies of every node's last committed output.
func (s *OutputStore) Snapshot() map[string]NodeOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]NodeOutput, len(s.outputs)+len(s.retired))
	for id, o := range s.retired {
		out[id] = o.Clone()
	}
	for id, o := range s.outputs {
		out[id] = o.Clone()
	}
	return out
}

// retire stops the node's output from routing while keeping it on record.
func (s *OutputStore) retire(nodeID string) {
	s.mu.Lock()
	if out, ok := s.outputs[nodeID]; ok {
		s.retired[nodeID] = out
		delete(s.outputs, nodeID)
	}
	s.mu.Unlock()
}

// discard forgets the node's output entirely.
func (s *OutputStore) discard(nodeID string) {
	s.mu.Lock()
	delete(s.outputs, nodeID)
	delete(s.retired, nodeID)
	s.mu.Unlock()
}

func (s *OutputStore) reset() {
	s.mu.Lock()
	s.outputs = make(map[string]NodeOutput)
	s.retired = make(map[string]NodeOutput)
	s.runs = make(map[string]int)
	s.mu.Unlock()
}
