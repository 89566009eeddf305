// ABOUTME: Concurrency governor: caps running executions, retains finished ones briefly for late
// ABOUTME: subscribers, evicts the oldest retained execution under pressure, and releases expired ones.
package engine

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Limits bounds the resources an engine may hold.
type Limits struct {
	MaxActiveExecutions   int           `yaml:"maxActiveExecutions" json:"maxActiveExecutions"`
	MaxRetainedExecutions int           `yaml:"maxRetainedExecutions" json:"maxRetainedExecutions"`
	MaxEventsPerExecution int           `yaml:"maxEventsPerExecution" json:"maxEventsPerExecution"`
	MaxStateEntries       int           `yaml:"maxStateEntries" json:"maxStateEntries"`
	MaxNodeActivations    int           `yaml:"maxNodeActivations" json:"maxNodeActivations"`
	MaxParallelNodes      int           `yaml:"maxParallelNodes" json:"maxParallelNodes"`
	Retention             time.Duration `yaml:"retention" json:"retention"`
	DefaultNodeTimeout    time.Duration `yaml:"defaultNodeTimeout" json:"defaultNodeTimeout"`
}

// DefaultLimits returns the limits used for zero fields.
func DefaultLimits() Limits {
	return Limits{
		MaxActiveExecutions:   64,
		MaxRetainedExecutions: 256,
		MaxEventsPerExecution: 1000,
		MaxStateEntries:       1024,
		MaxNodeActivations:    DefaultMaxNodeActivations,
		MaxParallelNodes:      8,
		Retention:             10 * time.Second,
		DefaultNodeTimeout:    DefaultNodeTimeout,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.MaxActiveExecutions <= 0 {
		l.MaxActiveExecutions = d.MaxActiveExecutions
	}
	if l.MaxRetainedExecutions <= 0 {
		l.MaxRetainedExecutions = d.MaxRetainedExecutions
	}
	if l.MaxEventsPerExecution <= 0 {
		l.MaxEventsPerExecution = d.MaxEventsPerExecution
	}
	if l.MaxStateEntries <= 0 {
		l.MaxStateEntries = d.MaxStateEntries
	}
	if l.MaxNodeActivations <= 0 {
		l.MaxNodeActivations = d.MaxNodeActivations
	}
	if l.MaxParallelNodes <= 0 {
		l.MaxParallelNodes = d.MaxParallelNodes
	}
	if l.Retention <= 0 {
		l.Retention = d.Retention
	}
	if l.DefaultNodeTimeout <= 0 {
		l.DefaultNodeTimeout = d.DefaultNodeTimeout
	}
	return l
}

type retainedExecution struct {
	exec       *Execution
	finishedAt time.Time
	timer      *time.Timer
}

// Governor owns every live execution of a service.
type Governor struct {
	mu       sync.Mutex
	limits   Limits
	active   map[string]*Execution
	retained map[string]*retainedExecution
	closed   bool
}

// NewGovernor creates a governor enforcing limits.
func NewGovernor(limits Limits) *Governor {
	return &Governor{
		limits:   limits.WithDefaults(),
		active:   make(map[string]*Execution),
		retained: make(map[string]*retainedExecution),
	}
}

// Limits returns the effective limits.
func (g *Governor) Limits() Limits {
	return g.limits
}

// Admit takes a running slot for exec. Terminal executions still holding a
// slot are reaped first; if the cap is still reached the execution is
// rejected with ErrTooManyExecutions.
func (g *Governor) Admit(exec *Execution) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrShuttingDown
	}
	if len(g.active) >= g.limits.MaxActiveExecutions {
		for _, e := range g.active {
			if e.Status().Terminal() {
				g.retainLocked(e)
			}
		}
	}
	if len(g.active) >= g.limits.MaxActiveExecutions {
		return ErrTooManyExecutions
	}
	g.active[exec.id] = exec
	return nil
}

// Finished moves exec from the running set to the retained set and
// schedules its release. Calling it twice is harmless.
func (g *Governor) Finished(exec *Execution) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[exec.id]; !ok {
		return
	}
	g.retainLocked(exec)
}

func (g *Governor) retainLocked(exec *Execution) {
	delete(g.active, exec.id)
	if _, ok := g.retained[exec.id]; ok {
		return
	}
	id := exec.id
	r := &retainedExecution{exec: exec, finishedAt: time.Now()}
	if !g.closed {
		r.timer = time.AfterFunc(g.limits.Retention, func() { g.expire(id) })
	}
	g.retained[id] = r
	for len(g.retained) > g.limits.MaxRetainedExecutions {
		g.evictOldestLocked()
	}
}

func (g *Governor) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, r := range g.retained {
		if oldest.IsZero() || r.finishedAt.Before(oldest) {
			oldestID = id
			oldest = r.finishedAt
		}
	}
	if oldestID == "" {
		return
	}
	log.Printf("component=engine.governor action=evict execution=%s retained=%d", oldestID, len(g.retained))
	g.releaseLocked(oldestID)
}

func (g *Governor) expire(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(id)
}

func (g *Governor) releaseLocked(id string) {
	r, ok := g.retained[id]
	if !ok {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(g.retained, id)
	r.exec.release()
}

// Get returns a running or retained execution.
func (g *Governor) Get(id string) (*Execution, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.active[id]; ok {
		return e, true
	}
	if r, ok := g.retained[id]; ok {
		return r.exec, true
	}
	return nil, false
}

// List returns running and retained executions, newest first.
func (g *Governor) List() []*Execution {
	g.mu.Lock()
	out := make([]*Execution, 0, len(g.active)+len(g.retained))
	for _, e := range g.active {
		out = append(out, e)
	}
	for _, r := range g.retained {
		out = append(out, r.exec)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].id > out[j].id
		}
		return out[i].startedAt.After(out[j].startedAt)
	})
	return out
}

// Running returns the executions holding a running slot.
func (g *Governor) Running() []*Execution {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Execution, 0, len(g.active))
	for _, e := range g.active {
		out = append(out, e)
	}
	return out
}

// ActiveCount returns the number of running slots taken.
func (g *Governor) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// RetainedCount returns the number of finished executions still held.
func (g *Governor) RetainedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.retained)
}

// Close refuses new executions and releases everything retained.
func (g *Governor) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id := range g.retained {
		g.releaseLocked(id)
	}
}
