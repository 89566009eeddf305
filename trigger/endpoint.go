// ABOUTME: Activation glue between workflows and the matcher: endpoint-providing trigger nodes get registered.
// ABOUTME: Activate and Reactivate swap a workflow's webhook registrations in under one lock, all or nothing.
package trigger

import (
	"fmt"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

// Endpoint is the HTTP surface a trigger node exposes.
type Endpoint struct {
	Path    string
	Methods []string
	Auth    Auth
}

// EndpointProvider is implemented by trigger node types reachable over HTTP.
type EndpointProvider interface {
	engine.Node
	Endpoint(params engine.Parameters) (Endpoint, error)
}

// Activate registers every enabled trigger node of wf whose type provides an
// endpoint. Either all endpoints are registered or none are.
func Activate(m *Matcher, wf *workflow.Workflow, reg *engine.Registry) ([]Registration, error) {
	regs, err := endpointsOf(wf, reg)
	if err != nil {
		return nil, err
	}
	if err := m.swap("", regs); err != nil {
		return nil, fmt.Errorf("activate workflow %s: %w", wf.ID, err)
	}
	return regs, nil
}

// Reactivate replaces a workflow's registrations with the ones its current
// definition declares. The swap happens under one lock, so webhooks never see
// the workflow unregistered, and on failure the previous registrations stay.
func Reactivate(m *Matcher, wf *workflow.Workflow, reg *engine.Registry) ([]Registration, error) {
	regs, err := endpointsOf(wf, reg)
	if err != nil {
		return nil, err
	}
	if err := m.swap(wf.ID, regs); err != nil {
		return nil, fmt.Errorf("activate workflow %s: %w", wf.ID, err)
	}
	return regs, nil
}

// endpointsOf resolves and validates the registrations wf declares without
// touching the matcher.
func endpointsOf(wf *workflow.Workflow, reg *engine.Registry) ([]Registration, error) {
	var out []Registration
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.Disabled {
			continue
		}
		impl, def, ok := reg.Lookup(n.Type)
		if !ok || !def.Has(engine.CapTrigger) {
			continue
		}
		provider, ok := impl.(EndpointProvider)
		if !ok {
			continue
		}
		ep, err := provider.Endpoint(engine.Parameters(n.Parameters))
		if err != nil {
			return nil, fmt.Errorf("activate workflow %s: node %s: %w", wf.ID, n.ID, err)
		}
		r, err := prepare(Registration{
			Pattern:       ep.Path,
			Methods:       ep.Methods,
			WorkflowID:    wf.ID,
			TriggerNodeID: n.ID,
			Auth:          ep.Auth,
		})
		if err != nil {
			return nil, fmt.Errorf("activate workflow %s: node %s: %w", wf.ID, n.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}
