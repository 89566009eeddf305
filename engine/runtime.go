// ABOUTME: Runtime handle given to a node during dispatch: identity, mode, runtime state, attached providers.
// ABOUTME: Also lets response producers set the execution's custom webhook response.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	muxllm "github.com/2389-research/mux/llm"
)

// Runtime is what a node may touch beyond its input and parameters.
type Runtime struct {
	exec        *Execution
	nodeID      string
	def         Definition
	attachments []Attachment
	scope       *templateScope
}

// ExecutionID returns the id of the running execution.
func (rt *Runtime) ExecutionID() string { return rt.exec.id }

// WorkflowID returns the id of the running workflow.
func (rt *Runtime) WorkflowID() string { return rt.exec.workflowID }

// NodeID returns the id of the node being dispatched.
func (rt *Runtime) NodeID() string { return rt.nodeID }

// Mode returns what started the execution.
func (rt *Runtime) Mode() Mode { return rt.exec.mode }

// TestMode reports whether the execution runs in test mode.
func (rt *Runtime) TestMode() bool { return rt.exec.testMode }

// Activations returns how many times this node has been dispatched, including the current one.
func (rt *Runtime) Activations() int {
	st, _ := rt.exec.NodeState(rt.nodeID)
	return st.Activations
}

// State returns the node's runtime state. Non-stateful nodes never hold state.
func (rt *Runtime) State() (any, bool) {
	if !rt.def.Has(CapStateful) {
		return nil, false
	}
	return rt.exec.state.Get(rt.nodeID)
}

// SetState replaces the node's runtime state. A write refused by the
// store's capacity leaves the state absent; it is logged, not returned.
func (rt *Runtime) SetState(v any) error {
	if !rt.def.Has(CapStateful) {
		return ErrNotStateful
	}
	if !rt.exec.state.Set(rt.nodeID, v) {
		log.Printf("component=engine action=state_dropped execution=%s node=%s", rt.exec.id, rt.nodeID)
	}
	return nil
}

// ClearState removes the node's runtime state.
func (rt *Runtime) ClearState() error {
	if !rt.def.Has(CapStateful) {
		return ErrNotStateful
	}
	rt.exec.state.Clear(rt.nodeID)
	return nil
}

// Respond sets the custom webhook response for the execution.
func (rt *Runtime) Respond(resp WebhookResponse) error {
	if !rt.def.Has(CapResponseProducer) {
		return ErrNotResponseProducer
	}
	return rt.exec.setResponse(resp)
}

// ChatModel returns the client of the first attached chat provider.
func (rt *Runtime) ChatModel(ctx context.Context) (muxllm.Client, error) {
	for _, a := range rt.attachments {
		if !a.Definition.Has(CapChatProvider) {
			continue
		}
		cp, ok := a.Impl.(ChatProvider)
		if !ok {
			continue
		}
		client, err := cp.ChatModel(ctx, rt.scope.ResolveParameters(a.Node.Parameters))
		if err != nil {
			return nil, fmt.Errorf("chat model %s: %w", a.Node.ID, err)
		}
		return client, nil
	}
	return nil, ErrNoChatModel
}

// Memory returns the first attached memory, or nil when none is attached.
func (rt *Runtime) Memory(ctx context.Context) (Memory, error) {
	for _, a := range rt.attachments {
		if !a.Definition.Has(CapMemoryProvider) {
			continue
		}
		mp, ok := a.Impl.(MemoryProvider)
		if !ok {
			continue
		}
		mem, err := mp.Memory(ctx, rt.scope.ResolveParameters(a.Node.Parameters), rt)
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", a.Node.ID, err)
		}
		return mem, nil
	}
	return nil, nil
}

// Tools merges the tools of every attached tool provider. The returned
// set's Close releases all of them. A provider that fails closes the ones
// already opened.
func (rt *Runtime) Tools(ctx context.Context) (ToolSet, error) {
	var merged ToolSet
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	for _, a := range rt.attachments {
		if !a.Definition.Has(CapToolProvider) {
			continue
		}
		tp, ok := a.Impl.(ToolProvider)
		if !ok {
			continue
		}
		set, err := tp.Tools(ctx, rt.scope.ResolveParameters(a.Node.Parameters))
		if err != nil {
			_ = closeAll()
			return ToolSet{}, fmt.Errorf("tools %s: %w", a.Node.ID, err)
		}
		merged.Tools = append(merged.Tools, set.Tools...)
		if set.Close != nil {
			closers = append(closers, set.Close)
		}
	}
	merged.Close = closeAll
	return merged, nil
}
