// ABOUTME: Lint rules for built-in node parameters: condition syntax, webhook endpoints, and agent wiring.
// ABOUTME: Passed to engine.Lint alongside the engine's structural and graph rules.
package nodes

import (
	"fmt"
	"strings"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/trigger"
)

// LintRules returns the rules that check built-in node parameters.
func LintRules() []engine.LintRule {
	return []engine.LintRule{
		&conditionRule{},
		&webhookPathRule{},
		&agentModelRule{},
	}
}

// templated parameters are only known at run time.
func templated(s string) bool {
	return strings.Contains(s, "{{")
}

// conditionRule checks if and switch expressions parse.
type conditionRule struct{}

func (r *conditionRule) Name() string { return "condition_syntax" }

func (r *conditionRule) Apply(lc *engine.LintContext) []engine.Diagnostic {
	var diags []engine.Diagnostic
	bad := func(nodeID, expr string, err error) {
		diags = append(diags, engine.Diagnostic{
			Rule:     r.Name(),
			Severity: engine.SeverityError,
			Message:  fmt.Sprintf("condition %q: %v", expr, err),
			NodeID:   nodeID,
			Fix:      "write clauses as <path> <op> <literal> joined by && or ||",
		})
	}
	for _, n := range lc.Workflow.Nodes {
		params := engine.Parameters(n.Parameters)
		switch n.Type {
		case "if":
			if expr, ok := params["condition"].(string); ok && templated(expr) {
				continue
			}
			if _, err := conditionsFrom(params); err != nil {
				bad(n.ID, strings.Join(append(params.Strings("conditions"), params.String("condition", "")), " "), err)
			}
		case "switch":
			for _, raw := range params.Slice("rules") {
				rule, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				expr, _ := rule["condition"].(string)
				if templated(expr) {
					continue
				}
				if _, err := ParseCondition(expr); err != nil {
					bad(n.ID, expr, err)
				}
			}
		}
	}
	return diags
}

// webhookPathRule checks webhook endpoints are valid and unique within the workflow.
type webhookPathRule struct{}

func (r *webhookPathRule) Name() string { return "webhook_path" }

func (r *webhookPathRule) Apply(lc *engine.LintContext) []engine.Diagnostic {
	var diags []engine.Diagnostic
	seen := make(map[string]string)
	for _, n := range lc.Workflow.Nodes {
		if n.Disabled || lc.Registry == nil {
			continue
		}
		impl, _, ok := lc.Registry.Lookup(n.Type)
		if !ok {
			continue
		}
		ep, ok := impl.(trigger.EndpointProvider)
		if !ok {
			continue
		}
		endpoint, err := ep.Endpoint(engine.Parameters(n.Parameters))
		if err != nil {
			diags = append(diags, engine.Diagnostic{
				Rule:     r.Name(),
				Severity: engine.SeverityError,
				Message:  err.Error(),
				NodeID:   n.ID,
			})
			continue
		}
		methods := endpoint.Methods
		if len(methods) == 0 {
			methods = []string{"POST"}
		}
		for _, m := range methods {
			key := strings.ToUpper(m) + " " + trigger.Shape(endpoint.Path)
			if other, dup := seen[key]; dup {
				diags = append(diags, engine.Diagnostic{
					Rule:     r.Name(),
					Severity: engine.SeverityError,
					Message:  fmt.Sprintf("%s %s is also served by node %q", strings.ToUpper(m), endpoint.Path, other),
					NodeID:   n.ID,
				})
				continue
			}
			seen[key] = n.ID
		}
	}
	return diags
}

// agentModelRule requires every agent to have a chat model attached.
type agentModelRule struct{}

func (r *agentModelRule) Name() string { return "agent_model" }

func (r *agentModelRule) Apply(lc *engine.LintContext) []engine.Diagnostic {
	if lc.Graph == nil {
		return nil
	}
	var diags []engine.Diagnostic
	for _, n := range lc.Workflow.Nodes {
		if n.Type != "agent" || n.Disabled {
			continue
		}
		found := false
		for _, a := range lc.Graph.Attachments(n.ID) {
			if a.Definition.Has(engine.CapChatProvider) {
				found = true
				break
			}
		}
		if !found {
			diags = append(diags, engine.Diagnostic{
				Rule:     r.Name(),
				Severity: engine.SeverityError,
				Message:  fmt.Sprintf("agent %q has no chat model attached", n.ID),
				NodeID:   n.ID,
				Fix:      "connect a chat model node to the agent",
			})
		}
	}
	return diags
}
