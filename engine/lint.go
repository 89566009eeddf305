// ABOUTME: Workflow lint rules producing severity-ranked diagnostics over nodes and connections.
// ABOUTME: Provides the pluggable LintRule interface, built-in rules, and Lint for editors and the CLI.
package engine

import (
	"fmt"

	"github.com/2389-research/flowline/workflow"
)

// Severity represents diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	case SeverityInfo:
		return "INFO"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Diagnostic represents a validation finding.
type Diagnostic struct {
	Rule       string               `json:"rule"`
	Severity   Severity             `json:"severity"`
	Message    string               `json:"message"`
	NodeID     string               `json:"nodeId,omitempty"`
	Connection *workflow.Connection `json:"connection,omitempty"`
	Fix        string               `json:"fix,omitempty"`
}

// LintContext is what a rule inspects. Graph is nil when structural rules
// already reported errors.
type LintContext struct {
	Workflow *workflow.Workflow
	Registry *Registry
	Graph    *Graph
}

// LintRule is the interface for validation rules.
type LintRule interface {
	Name() string
	Apply(lc *LintContext) []Diagnostic
}

const ruleCycle = "cycle"

// structuralRules must pass before a graph can be built.
func structuralRules() []LintRule {
	return []LintRule{
		&nodeIDRule{},
		&typeKnownRule{},
		&connectionRefsRule{},
	}
}

// graphRules run against the built graph.
func graphRules() []LintRule {
	return []LintRule{
		&targetInputRule{},
		&attachmentRule{},
		&reachabilityRule{},
		&disabledBridgedRule{},
	}
}

// Lint runs all built-in rules plus any extra rules on the workflow.
func Lint(wf *workflow.Workflow, reg *Registry, extraRules ...LintRule) []Diagnostic {
	snapshot := wf.Clone()
	snapshot.Normalize()
	lc := &LintContext{Workflow: snapshot, Registry: reg}

	diags := applyRules(lc, structuralRules())
	if !HasErrors(diags) {
		g, cycle := analyze(snapshot, reg)
		if cycle != nil {
			diags = append(diags, *cycle)
		} else {
			lc.Graph = g
		}
	}
	diags = append(diags, applyRules(lc, graphRules())...)
	diags = append(diags, applyRules(lc, extraRules)...)
	return diags
}

// HasErrors reports whether any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func applyRules(lc *LintContext, rules []LintRule) []Diagnostic {
	var diags []Diagnostic
	for _, rule := range rules {
		diags = append(diags, rule.Apply(lc)...)
	}
	return diags
}

// --- Built-in lint rules ---

// nodeIDRule checks that node ids are present and unique.
type nodeIDRule struct{}

func (r *nodeIDRule) Name() string { return "node_id" }

func (r *nodeIDRule) Apply(lc *LintContext) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]bool)
	for i, n := range lc.Workflow.Nodes {
		if n.ID == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("node at index %d has no id", i),
				Fix:      "give every node a unique id",
			})
			continue
		}
		if seen[n.ID] {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node id %q", n.ID),
				NodeID:   n.ID,
				Fix:      "rename one of the nodes",
			})
		}
		seen[n.ID] = true
	}
	return diags
}

// typeKnownRule checks that every node type is registered.
type typeKnownRule struct{}

func (r *typeKnownRule) Name() string { return "type_known" }

func (r *typeKnownRule) Apply(lc *LintContext) []Diagnostic {
	var diags []Diagnostic
	for _, n := range lc.Workflow.Nodes {
		if _, ok := lc.Registry.Definition(n.Type); !ok {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

// connectionRefsRule checks that connections reference existing nodes and
// declared output ports.
type connectionRefsRule struct{}

func (r *connectionRefsRule) Name() string { return "connection_refs" }

func (r *connectionRefsRule) Apply(lc *LintContext) []Diagnostic {
	var diags []Diagnostic
	for i := range lc.Workflow.Connections {
		c := lc.Workflow.Connections[i]
		src := lc.Workflow.Node(c.Source)
		if src == nil {
			diags = append(diags, Diagnostic{
				Rule:       r.Name(),
				Severity:   SeverityError,
				Message:    fmt.Sprintf("connection source %q does not exist", c.Source),
				Connection: &c,
				Fix:        fmt.Sprintf("add node %q or fix the connection source", c.Source),
			})
		}
		if lc.Workflow.Node(c.Target) == nil {
			diags = append(diags, Diagnostic{
				Rule:       r.Name(),
				Severity:   SeverityError,
				Message:    fmt.Sprintf("connection target %q does not exist", c.Target),
				Connection: &c,
				Fix:        fmt.Sprintf("add node %q or fix the connection target", c.Target),
			})
		}
		if src == nil {
			continue
		}
		def, ok := lc.Registry.Definition(src.Type)
		if ok && def.Has(CapExecutable) && !def.HasOutput(c.SourceOutput) {
			diags = append(diags, Diagnostic{
				Rule:       r.Name(),
				Severity:   SeverityError,
				Message:    fmt.Sprintf("node %q has no output %q", c.Source, c.SourceOutput),
				NodeID:     c.Source,
				Connection: &c,
				Fix:        fmt.Sprintf("use one of %v", def.OutputPorts()),
			})
		}
	}
	return diags
}

// targetInputRule warns about connections into undeclared input ports.
type targetInputRule struct{}

func (r *targetInputRule) Name() string { return "target_input" }

func (r *targetInputRule) Apply(lc *LintContext) []Diagnostic {
	if lc.Graph == nil {
		return nil
	}
	var diags []Diagnostic
	for _, id := range lc.Graph.Order() {
		def, _ := lc.Graph.Definition(id)
		for _, c := range lc.Graph.Incoming(id) {
			if !def.HasInput(c.TargetInput) {
				c := c
				diags = append(diags, Diagnostic{
					Rule:       r.Name(),
					Severity:   SeverityWarning,
					Message:    fmt.Sprintf("node %q has no input %q; items are delivered anyway", id, c.TargetInput),
					NodeID:     id,
					Connection: &c,
				})
			}
		}
	}
	return diags
}

// attachmentRule warns about provider attachments the engine will ignore.
type attachmentRule struct{}

func (r *attachmentRule) Name() string { return "attachment" }

func (r *attachmentRule) Apply(lc *LintContext) []Diagnostic {
	if lc.Graph == nil {
		return nil
	}
	var diags []Diagnostic
	for _, c := range lc.Graph.ignored {
		c := c
		diags = append(diags, Diagnostic{
			Rule:       r.Name(),
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf("connection %s is ignored: target %q cannot consume it", c, c.Target),
			NodeID:     c.Target,
			Connection: &c,
		})
	}
	return diags
}

// reachabilityRule warns about nodes no entry node can reach.
type reachabilityRule struct{}

func (r *reachabilityRule) Name() string { return "reachability" }

func (r *reachabilityRule) Apply(lc *LintContext) []Diagnostic {
	if lc.Graph == nil {
		return nil
	}
	visited := make(map[string]bool)
	queue := append([]string(nil), lc.Graph.Entries()...)
	for _, id := range queue {
		visited[id] = true
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, c := range lc.Graph.Outgoing(current) {
			if !visited[c.Target] {
				visited[c.Target] = true
				queue = append(queue, c.Target)
			}
		}
	}

	var diags []Diagnostic
	for _, id := range lc.Graph.Order() {
		if !visited[id] {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q is not reachable from any entry node and will be skipped", id),
				NodeID:   id,
				Fix:      fmt.Sprintf("connect an entry node to %q", id),
			})
		}
	}
	return diags
}

// disabledBridgedRule notes each disabled node whose connections were bridged.
type disabledBridgedRule struct{}

func (r *disabledBridgedRule) Name() string { return "disabled_bridged" }

func (r *disabledBridgedRule) Apply(lc *LintContext) []Diagnostic {
	var diags []Diagnostic
	for _, n := range lc.Workflow.Nodes {
		if n.Disabled {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("node %q is disabled; its inputs are connected to its outputs", n.ID),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}
