// ABOUTME: Service is the top-level owner of the engine: it validates workflows, admits executions through
// ABOUTME: the governor, runs the scheduler, records finished executions, and shuts everything down.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389-research/flowline/workflow"
)

const recordTimeout = 5 * time.Second

// StartRequest describes how an execution is started.
type StartRequest struct {
	Mode Mode
	// TriggerNodeID, when set, is the trigger that fired; other trigger
	// entry nodes are skipped.
	TriggerNodeID string
	Items         workflow.Items
	TestMode      bool
}

// ExecutionRecord is what a Recorder persists for a finished execution.
type ExecutionRecord struct {
	Summary
	WorkflowName string                `json:"workflowName,omitempty"`
	Outputs      map[string]NodeOutput `json:"outputs"`
}

// Recorder persists finished executions.
type Recorder interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}

// Config wires a Service.
type Config struct {
	Registry *Registry
	Limits   Limits
	// Recorder, when set, receives every finished execution. Errors are logged.
	Recorder Recorder
	// OnEvent, when set, observes every event of every execution.
	OnEvent func(Event)
	// TracerProvider supplies execution and node spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// Service runs workflows.
type Service struct {
	registry   *Registry
	limits     Limits
	governor   *Governor
	dispatcher *Dispatcher
	recorder   Recorder
	onEvent    func(Event)

	wg       sync.WaitGroup
	stopping atomic.Bool
}

// NewService creates a service. A nil registry is replaced by an empty one.
func NewService(cfg Config) *Service {
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	limits := cfg.Limits.WithDefaults()
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Service{
		registry:   reg,
		limits:     limits,
		governor:   NewGovernor(limits),
		dispatcher: &Dispatcher{DefaultTimeout: limits.DefaultNodeTimeout, Tracer: tp.Tracer(tracerName)},
		recorder:   cfg.Recorder,
		onEvent:    cfg.OnEvent,
	}
}

// Registry returns the node type registry.
func (s *Service) Registry() *Registry { return s.registry }

// Governor returns the execution governor.
func (s *Service) Governor() *Governor { return s.governor }

// Limits returns the effective limits.
func (s *Service) Limits() Limits { return s.limits }

// Validate builds the execution graph for wf without running it.
func (s *Service) Validate(wf *workflow.Workflow) (*Graph, error) {
	return BuildGraph(wf, s.registry)
}

// Start validates wf, admits a new execution, and runs it in the background.
// Validation and admission failures are returned before anything is dispatched.
func (s *Service) Start(ctx context.Context, wf *workflow.Workflow, req StartRequest) (*Execution, error) {
	if s.stopping.Load() {
		return nil, ErrShuttingDown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := BuildGraph(wf, s.registry)
	if err != nil {
		return nil, err
	}
	exec := newExecution(ulid.Make().String(), g, req, s.limits)
	if err := s.governor.Admit(exec); err != nil {
		exec.cancel()
		log.Printf("component=engine action=reject workflow=%s err=%v", wf.ID, err)
		return nil, err
	}
	if s.onEvent != nil {
		_, live, _ := exec.events.Subscribe()
		go func() {
			for evt := range live {
				s.onEvent(evt)
			}
		}()
	}
	s.wg.Add(1)
	go s.run(exec, req, wf.Name)
	return exec, nil
}

// Run starts wf and waits for it to finish. If ctx ends first the execution
// is cancelled and Run waits for it to settle.
func (s *Service) Run(ctx context.Context, wf *workflow.Workflow, req StartRequest) (*Execution, error) {
	exec, err := s.Start(ctx, wf, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-exec.Done():
	case <-ctx.Done():
		exec.Cancel()
		<-exec.Done()
	}
	return exec, exec.Err()
}

func (s *Service) run(exec *Execution, req StartRequest, workflowName string) {
	defer s.wg.Done()
	defer s.governor.Finished(exec)
	newScheduler(exec, s.dispatcher, req, s.limits).run()
	if s.recorder == nil {
		return
	}
	rec := ExecutionRecord{
		Summary:      exec.Summary(),
		WorkflowName: workflowName,
		Outputs:      exec.outputs.Snapshot(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.recorder.RecordExecution(ctx, rec); err != nil {
		log.Printf("component=engine action=record_failed execution=%s err=%v", exec.id, err)
	}
}

// Execution returns a running or retained execution.
func (s *Service) Execution(id string) (*Execution, error) {
	exec, ok := s.governor.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return exec, nil
}

// Executions returns summaries of running and retained executions, newest first.
func (s *Service) Executions() []Summary {
	list := s.governor.List()
	out := make([]Summary, len(list))
	for i, e := range list {
		out[i] = e.Summary()
	}
	return out
}

// Cancel raises the cancellation signal of an execution.
func (s *Service) Cancel(id string) error {
	exec, err := s.Execution(id)
	if err != nil {
		return err
	}
	exec.Cancel()
	return nil
}

// Shutdown stops admitting executions, cancels running ones, and waits for
// them to settle or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopping.Store(true)
	for _, exec := range s.governor.Running() {
		exec.Cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.governor.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
