// ABOUTME: Per-execution runtime state for stateful nodes, capped by entry count.
// ABOUTME: Writes beyond the cap degrade to "state absent" and are logged, never returned as errors.
package engine

import (
	"log"
	"sync"
)

// StateStore holds opaque node-defined state across repeated dispatches of
// the same node within one execution.
type StateStore struct {
	mu         sync.Mutex
	state      map[string]any
	maxEntries int
	rejected   int
}

// NewStateStore creates a store. maxEntries <= 0 means unbounded.
func NewStateStore(maxEntries int) *StateStore {
	return &StateStore{state: make(map[string]any), maxEntries: maxEntries}
}

// Get returns the node's state.
func (s *StateStore) Get(nodeID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[nodeID]
	return v, ok
}

// Set stores the node's state. It reports false when the store is full and
// the write was dropped.
func (s *StateStore) Set(nodeID string, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state[nodeID]; !exists && s.maxEntries > 0 && len(s.state) >= s.maxEntries {
		s.rejected++
		log.Printf("component=engine.state action=reject node=%s entries=%d max=%d", nodeID, len(s.state), s.maxEntries)
		return false
	}
	s.state[nodeID] = v
	return true
}

// Clear removes the node's state.
func (s *StateStore) Clear(nodeID string) {
	s.mu.Lock()
	delete(s.state, nodeID)
	s.mu.Unlock()
}

// Len returns the number of nodes holding state.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state)
}

// Rejected returns how many writes were dropped by the cap.
func (s *StateStore) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// Reset discards all state. Called when the execution is released.
func (s *StateStore) Reset() {
	s.mu.Lock()
	s.state = make(map[string]any)
	s.mu.Unlock()
}
