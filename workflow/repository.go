// ABOUTME: Workflow repository interface with a thread-safe in-memory implementation.
// ABOUTME: LoadDir seeds a repository from a directory of workflow files.
package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a workflow ID is unknown.
var ErrNotFound = errors.New("workflow not found")

// Repository stores workflow definitions.
type Repository interface {
	Put(wf *Workflow) error
	Get(id string) (*Workflow, error)
	Delete(id string) error
	List() ([]*Workflow, error)
}

// MemoryRepository keeps workflows in a map guarded by a RWMutex. Stored
// values are cloned on the way in and out.
type MemoryRepository struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{workflows: make(map[string]*Workflow)}
}

// Put inserts or replaces a workflow.
func (r *MemoryRepository) Put(wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return errors.New("workflow id is required")
	}
	stored := wf.Clone()
	stored.UpdatedAt = time.Now()
	r.mu.Lock()
	r.workflows[wf.ID] = stored
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the workflow with the given ID.
func (r *MemoryRepository) Get(id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return wf.Clone(), nil
}

// Delete removes a workflow.
func (r *MemoryRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(r.workflows, id)
	return nil
}

// List returns copies of all workflows sorted by ID.
func (r *MemoryRepository) List() ([]*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadDir parses every workflow file in dir (non-recursive) into the repository.
// It returns the loaded workflows in file name order.
func LoadDir(repo Repository, dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}
	var loaded []*Workflow
	for _, entry := range entries {
		if entry.IsDir() || !IsWorkflowFile(entry.Name()) {
			continue
		}
		wf, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if err := repo.Put(wf); err != nil {
			return loaded, fmt.Errorf("store workflow %s: %w", wf.ID, err)
		}
		loaded = append(loaded, wf)
	}
	return loaded, nil
}
