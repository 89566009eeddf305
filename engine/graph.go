// ABOUTME: Execution graph builder: validates a workflow, bridges disabled nodes, and orders the DAG.
// ABOUTME: Classifies feedback edges so branch-gated loops are legal while ungated cycles are rejected.
package engine

import (
	"fmt"
	"strings"

	"github.com/2389-research/flowline/workflow"
)

// Attachment is a provider node wired into a consumer (e.g. a chat model into an agent).
type Attachment struct {
	Node       *workflow.Node
	Definition Definition
	Impl       Node
}

type graphNode struct {
	node        *workflow.Node
	def         Definition
	impl        Node
	exec        Executable
	index       int
	in          []workflow.Connection
	forwardIn   []workflow.Connection
	backIn      []workflow.Connection
	out         []workflow.Connection
	attachments []Attachment
	closure     []string
	rearmable   bool
	// body holds, for a loop header, the closure nodes that lead back to it.
	body []string
	// awaits lists the loop headers whose exit this node sits behind: it is in
	// their closure but not in their body.
	awaits []string
}

// Graph is the validated, ordered dependency structure of one workflow snapshot.
type Graph struct {
	workflow    *workflow.Workflow
	nodes       map[string]*graphNode
	order       []string
	entries     []string
	connections []workflow.Connection
	back        map[workflow.Connection]bool
	headers     []string
	ignored     []workflow.Connection
}

// BuildGraph validates wf against the registry and returns its execution graph.
// Structural problems and ungated cycles yield a *ValidationError.
func BuildGraph(wf *workflow.Workflow, reg *Registry) (*Graph, error) {
	snapshot := wf.Clone()
	snapshot.Normalize()
	lc := &LintContext{Workflow: snapshot, Registry: reg}
	if diags := applyRules(lc, structuralRules()); HasErrors(diags) {
		return nil, &ValidationError{Diagnostics: diags}
	}
	g, cycle := analyze(snapshot, reg)
	if cycle != nil {
		return nil, &ValidationError{Diagnostics: []Diagnostic{*cycle}}
	}
	return g, nil
}

// analyze assumes structural rules passed. It returns a cycle diagnostic
// instead of a graph when an ungated cycle exists.
func analyze(wf *workflow.Workflow, reg *Registry) (*Graph, *Diagnostic) {
	g := &Graph{
		workflow: wf,
		nodes:    make(map[string]*graphNode),
		back:     make(map[workflow.Connection]bool),
	}

	var scheduled []string
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.Disabled {
			continue
		}
		impl, def, _ := reg.Lookup(n.Type)
		gn := &graphNode{node: n, def: def, impl: impl, index: i}
		if def.Has(CapExecutable) {
			gn.exec = impl.(Executable)
			scheduled = append(scheduled, n.ID)
		}
		g.nodes[n.ID] = gn
	}

	for _, c := range bridgeDisabled(wf, reg) {
		src, tgt := g.nodes[c.Source], g.nodes[c.Target]
		switch {
		case tgt.exec == nil:
			g.ignored = append(g.ignored, c)
		case src.exec == nil:
			tgt.attachments = append(tgt.attachments, Attachment{Node: src.node, Definition: src.def, Impl: src.impl})
		default:
			g.connections = append(g.connections, c)
			src.out = append(src.out, c)
			tgt.in = append(tgt.in, c)
		}
	}

	g.markBackEdges(scheduled)
	if cycle := g.findUngatedCycle(scheduled); cycle != nil {
		return nil, &Diagnostic{
			Rule:     ruleCycle,
			Severity: SeverityError,
			Message:  fmt.Sprintf("cycle without a branching node: %s", strings.Join(cycle, " -> ")),
			NodeID:   cycle[0],
			Fix:      "route the feedback connection through a node with multiple outputs (if, switch, splitInBatches)",
		}
	}

	for _, id := range scheduled {
		gn := g.nodes[id]
		for _, c := range gn.in {
			if g.back[c] {
				gn.backIn = append(gn.backIn, c)
			} else {
				gn.forwardIn = append(gn.forwardIn, c)
			}
		}
		if len(gn.in) == 0 {
			g.entries = append(g.entries, id)
		}
	}
	g.order = g.topoOrder(scheduled)
	g.computeClosures()
	return g, nil
}

// bridgeDisabled removes disabled nodes, connecting each inbound data edge of
// a disabled executable node to each of its outbound targets. Chains of
// disabled nodes collapse because bridged edges are revisited by later nodes.
func bridgeDisabled(wf *workflow.Workflow, reg *Registry) []workflow.Connection {
	conns := append([]workflow.Connection(nil), wf.Connections...)
	for _, n := range wf.Nodes {
		if !n.Disabled {
			continue
		}
		def, _ := reg.Definition(n.Type)
		var in, out, rest []workflow.Connection
		for _, c := range conns {
			switch {
			case c.Source == n.ID && c.Target == n.ID:
			case c.Target == n.ID:
				in = append(in, c)
			case c.Source == n.ID:
				out = append(out, c)
			default:
				rest = append(rest, c)
			}
		}
		if def.Has(CapExecutable) {
			for _, i := range in {
				if srcDef, ok := definitionOf(wf, reg, i.Source); ok && !srcDef.Has(CapExecutable) {
					continue
				}
				for _, o := range out {
					rest = append(rest, workflow.Connection{
						Source:       i.Source,
						SourceOutput: i.SourceOutput,
						Target:       o.Target,
						TargetInput:  o.TargetInput,
					})
				}
			}
		}
		conns = dedupeConnections(rest)
	}
	return conns
}

func definitionOf(wf *workflow.Workflow, reg *Registry, id string) (Definition, bool) {
	n := wf.Node(id)
	if n == nil {
		return Definition{}, false
	}
	return reg.Definition(n.Type)
}

func dedupeConnections(conns []workflow.Connection) []workflow.Connection {
	seen := make(map[workflow.Connection]bool, len(conns))
	out := conns[:0]
	for _, c := range conns {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// markBackEdges runs a DFS from the entry nodes, then from any node not yet
// visited, marking every edge that closes onto the current DFS stack.
func (g *Graph) markBackEdges(scheduled []string) {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(scheduled))
	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		for _, c := range g.nodes[id].out {
			switch state[c.Target] {
			case unvisited:
				visit(c.Target)
			case onStack:
				g.back[c] = true
			}
		}
		state[id] = done
	}
	for _, id := range scheduled {
		if len(g.nodes[id].in) == 0 && state[id] == unvisited {
			visit(id)
		}
	}
	for _, id := range scheduled {
		if state[id] == unvisited {
			visit(id)
		}
	}
}

// findUngatedCycle looks for a cycle using only edges whose source declares
// fewer than two outputs. It returns the cycle's node ids, first node repeated last.
func (g *Graph) findUngatedCycle(scheduled []string) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(scheduled))
	var stack []string
	var found []string
	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)
		if !g.nodes[id].def.Branching() {
			for _, c := range g.nodes[id].out {
				switch state[c.Target] {
				case unvisited:
					if visit(c.Target) {
						return true
					}
				case onStack:
					for i, s := range stack {
						if s == c.Target {
							found = append(append([]string(nil), stack[i:]...), c.Target)
							return true
						}
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}
	for _, id := range scheduled {
		if state[id] == unvisited && visit(id) {
			return found
		}
	}
	return nil
}

// topoOrder is Kahn's algorithm over forward edges with ties broken by
// declaration order.
func (g *Graph) topoOrder(scheduled []string) []string {
	indegree := make(map[string]int, len(scheduled))
	for _, id := range scheduled {
		indegree[id] = len(g.nodes[id].forwardIn)
	}
	var ready []string
	for _, id := range scheduled {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(scheduled))
	for len(ready) > 0 {
		best := 0
		for i := range ready {
			if g.nodes[ready[i]].index < g.nodes[ready[best]].index {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)
		for _, c := range g.nodes[id].out {
			if g.back[c] {
				continue
			}
			indegree[c.Target]--
			if indegree[c.Target] == 0 {
				ready = append(ready, c.Target)
			}
		}
	}
	return order
}

// computeClosures records, for every loop header, the header plus every node
// reachable from it over forward edges. These nodes may run again when a
// feedback edge fires. The closure splits into the body, which can reach a
// feedback edge into the header, and the nodes past the loop's exit.
func (g *Graph) computeClosures() {
	headerSeen := make(map[string]bool)
	feedback := make(map[string][]string)
	for _, c := range g.connections {
		if !g.back[c] {
			continue
		}
		if !headerSeen[c.Target] {
			headerSeen[c.Target] = true
			g.headers = append(g.headers, c.Target)
		}
		feedback[c.Target] = append(feedback[c.Target], c.Source)
	}
	for _, h := range g.headers {
		reached := map[string]bool{h: true}
		queue := []string{h}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, c := range g.nodes[cur].out {
				if g.back[c] || reached[c.Target] {
					continue
				}
				reached[c.Target] = true
				queue = append(queue, c.Target)
			}
		}

		inBody := make(map[string]bool)
		for _, src := range feedback[h] {
			if reached[src] && !inBody[src] {
				inBody[src] = true
				queue = append(queue, src)
			}
		}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, c := range g.nodes[cur].forwardIn {
				if !reached[c.Source] || inBody[c.Source] {
					continue
				}
				inBody[c.Source] = true
				queue = append(queue, c.Source)
			}
		}

		closure := make([]string, 0, len(reached))
		for _, id := range g.order {
			if !reached[id] {
				continue
			}
			closure = append(closure, id)
			gn := g.nodes[id]
			gn.rearmable = true
			switch {
			case id == h:
			case inBody[id]:
				g.nodes[h].body = append(g.nodes[h].body, id)
			default:
				gn.awaits = append(gn.awaits, h)
			}
		}
		g.nodes[h].closure = closure
	}
}

// Workflow returns the normalized snapshot the graph was built from.
func (g *Graph) Workflow() *workflow.Workflow {
	return g.workflow
}

// Order returns scheduled node ids in forward topological order.
func (g *Graph) Order() []string {
	return g.order
}

// Entries returns node ids with no incoming data connections.
func (g *Graph) Entries() []string {
	return g.entries
}

// Node returns the workflow node for id, including provider nodes.
func (g *Graph) Node(id string) *workflow.Node {
	if gn, ok := g.nodes[id]; ok {
		return gn.node
	}
	return nil
}

// Definition returns the type definition of an enabled node.
func (g *Graph) Definition(id string) (Definition, bool) {
	if gn, ok := g.nodes[id]; ok {
		return gn.def, true
	}
	return Definition{}, false
}

// Incoming returns the data connections into id after bridging.
func (g *Graph) Incoming(id string) []workflow.Connection {
	if gn, ok := g.nodes[id]; ok {
		return gn.in
	}
	return nil
}

// Outgoing returns the data connections out of id after bridging.
func (g *Graph) Outgoing(id string) []workflow.Connection {
	if gn, ok := g.nodes[id]; ok {
		return gn.out
	}
	return nil
}

// Attachments returns the provider nodes wired into id.
func (g *Graph) Attachments(id string) []Attachment {
	if gn, ok := g.nodes[id]; ok {
		return gn.attachments
	}
	return nil
}

// Connections returns every data connection after bridging.
func (g *Graph) Connections() []workflow.Connection {
	return g.connections
}

// IsBackEdge reports whether c is a loop feedback connection.
func (g *Graph) IsBackEdge(c workflow.Connection) bool {
	return g.back[c]
}

// LoopHeaders returns the targets of feedback connections.
func (g *Graph) LoopHeaders() []string {
	return g.headers
}

// HasCapability reports whether any scheduled node declares c.
func (g *Graph) HasCapability(c Capability) bool {
	for _, id := range g.order {
		if g.nodes[id].def.Has(c) {
			return true
		}
	}
	return false
}
