// ABOUTME: Execution scheduler: topological sweeps deciding eligibility and skips, concurrent dispatch of
// ABOUTME: each batch, ordered commits, loop re-entry over feedback edges, cancellation and failure policy.
package engine

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/2389-research/flowline/workflow"
)

const (
	// DefaultMaxNodeActivations caps how often one node may run in an execution.
	DefaultMaxNodeActivations = 20000
	previewItems              = 5
)

type decision int

const (
	decideWait decision = iota
	decideRun
	decideSkip
	decideNotTriggered
)

// capturedEdge is data a feedback edge delivered to a loop header.
type capturedEdge struct {
	port  string
	items workflow.Items
}

type dispatchResult struct {
	out NodeOutput
	err error
}

// scheduler drives one execution to a terminal status. It is used by a
// single goroutine; only dispatch fans out.
type scheduler struct {
	exec           *Execution
	graph          *Graph
	dispatcher     *Dispatcher
	req            StartRequest
	maxParallel    int
	maxActivations int

	// gen counts terminal transitions per node; consumed records the source
	// generations a node last decided on. A re-armable node whose sources
	// moved on becomes pending again.
	gen      map[string]int
	consumed map[string]map[string]int
	reentry  map[string][]capturedEdge
	firstErr *NodeExecutionError
	// spanCtx carries the execution span so node spans nest under it.
	spanCtx context.Context
}

func newScheduler(exec *Execution, d *Dispatcher, req StartRequest, limits Limits) *scheduler {
	maxAct := limits.MaxNodeActivations
	if maxAct <= 0 {
		maxAct = DefaultMaxNodeActivations
	}
	parallel := limits.MaxParallelNodes
	if parallel <= 0 {
		parallel = 1
	}
	return &scheduler{
		exec:           exec,
		graph:          exec.graph,
		dispatcher:     d,
		req:            req,
		maxParallel:    parallel,
		maxActivations: maxAct,
		gen:            make(map[string]int),
		consumed:       make(map[string]map[string]int),
		reentry:        make(map[string][]capturedEdge),
	}
}

func (s *scheduler) run() {
	ex := s.exec
	var span trace.Span
	s.spanCtx, span = s.dispatcher.tracer().Start(context.Background(), "flowline.execution", trace.WithAttributes(
		attribute.String("flowline.execution.id", ex.id),
		attribute.String("flowline.workflow.id", ex.workflowID),
		attribute.String("flowline.execution.mode", string(ex.mode)),
		attribute.Bool("flowline.execution.test_mode", ex.testMode),
	))
	defer func() {
		span.SetAttributes(attribute.String("flowline.execution.status", string(ex.Status())))
		if s.firstErr != nil {
			span.SetStatus(codes.Error, s.firstErr.Error())
		}
		span.End()
	}()
	if ex.testMode {
		ex.emit(EventTestWebhook, "", map[string]any{"workflowId": ex.workflowID})
	}
	ex.emit(EventStarted, "", map[string]any{
		"workflowId": ex.workflowID,
		"mode":       string(ex.mode),
		"nodes":      len(s.graph.order),
	})
	log.Printf("component=engine action=execution_started execution=%s workflow=%s mode=%s", ex.id, ex.workflowID, ex.mode)

	for {
		if ex.ctx.Err() != nil {
			s.cancelled()
			return
		}
		batch, progressed := s.sweep(false)
		if len(batch) == 0 && !progressed {
			batch, progressed = s.sweep(true)
		}
		if len(batch) == 0 {
			if progressed {
				continue
			}
			break
		}
		results, ok := s.dispatchBatch(batch)
		if !ok {
			s.cancelled()
			return
		}
		s.commit(batch, results)
	}
	s.complete()
}

// sweep walks the graph in topological order once. Skips cascade within the
// sweep; the returned batch holds every node found eligible. Skips of
// re-armable nodes wait for applyDeferred, since a feedback edge may still
// deliver data to them.
func (s *scheduler) sweep(applyDeferred bool) (batch []string, progressed bool) {
	for _, id := range s.graph.order {
		gn := s.graph.nodes[id]
		status := s.exec.nodeStatus(id)
		if status.Terminal() && gn.rearmable && s.stale(id) {
			s.rearm(id)
			status = NodePending
		}
		if status != NodePending {
			continue
		}
		switch s.decide(id) {
		case decideRun:
			s.markConsumed(id)
			st, _ := s.exec.NodeState(id)
			if st.Activations >= s.maxActivations {
				s.failIterationLimit(id, st.Activations)
				progressed = true
				continue
			}
			s.exec.updateNode(id, func(st *NodeState) { st.Status = NodeEligible })
			batch = append(batch, id)
		case decideSkip:
			if gn.rearmable && !applyDeferred {
				continue
			}
			s.markConsumed(id)
			s.skip(id, SkipNoData)
			progressed = true
		case decideNotTriggered:
			s.markConsumed(id)
			s.skip(id, SkipNotTriggered)
			progressed = true
		}
	}
	return batch, progressed
}

func (s *scheduler) decide(id string) decision {
	gn := s.graph.nodes[id]
	if _, ok := s.reentry[id]; ok {
		return decideRun
	}
	for _, h := range gn.awaits {
		if s.loopActive(h) {
			return decideWait
		}
	}
	if len(gn.in) == 0 {
		if s.req.TriggerNodeID != "" && s.req.TriggerNodeID != id && gn.def.Has(CapTrigger) {
			return decideNotTriggered
		}
		return decideRun
	}
	for _, c := range gn.forwardIn {
		if !s.exec.nodeStatus(c.Source).Terminal() {
			return decideWait
		}
	}
	for _, c := range gn.forwardIn {
		if HasData(c, s.exec.outputs) {
			return decideRun
		}
	}
	return decideSkip
}

// loopActive reports whether the loop headed by h may still iterate: the
// header has not settled, a feedback edge is queued for it, or part of its
// body has not caught up with the latest pass.
func (s *scheduler) loopActive(h string) bool {
	if _, ok := s.reentry[h]; ok {
		return true
	}
	if !s.exec.nodeStatus(h).Terminal() {
		return true
	}
	for _, id := range s.graph.nodes[h].body {
		if !s.exec.nodeStatus(id).Terminal() || s.stale(id) {
			return true
		}
	}
	return false
}

func (s *scheduler) stale(id string) bool {
	seen := s.consumed[id]
	for _, c := range s.graph.nodes[id].forwardIn {
		if s.gen[c.Source] != seen[c.Source] {
			return true
		}
	}
	return false
}

func (s *scheduler) markConsumed(id string) {
	seen := make(map[string]int)
	for _, c := range s.graph.nodes[id].forwardIn {
		seen[c.Source] = s.gen[c.Source]
	}
	s.consumed[id] = seen
}

// rearm returns a terminal node to pending. Its last output stops routing but
// stays on record until the node commits again.
func (s *scheduler) rearm(id string) {
	s.exec.outputs.retire(id)
	s.exec.updateNode(id, func(st *NodeState) {
		st.Status = NodePending
		st.SkipReason = ""
		st.Error = nil
	})
}

func (s *scheduler) gatherInput(id string) Input {
	gn := s.graph.nodes[id]
	ports := gn.def.InputPorts()
	in := newPortInput(append([]string(nil), ports...))
	if captured, ok := s.reentry[id]; ok {
		delete(s.reentry, id)
		for _, ce := range captured {
			in.add(ce.port, ce.items)
		}
		return in
	}
	if len(gn.in) == 0 {
		in.add(ports[0], s.exec.entryItems(s.req, id))
		return in
	}
	for _, c := range gn.forwardIn {
		if items := EdgeItems(c, s.exec.outputs); len(items) > 0 {
			in.add(c.TargetInput, items.Clone())
		}
	}
	return in
}

// dispatchBatch runs the batch concurrently. It returns ok=false when the
// execution was cancelled before every result could be observed; late
// results are discarded.
func (s *scheduler) dispatchBatch(batch []string) ([]dispatchResult, bool) {
	ex := s.exec
	inputs := make([]Input, len(batch))
	for i, id := range batch {
		inputs[i] = s.gatherInput(id)
	}
	results := make([]dispatchResult, len(batch))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(s.maxParallel)
		for i, id := range batch {
			g.Go(func() error {
				if ex.ctx.Err() != nil || !s.markRunning(id, inputs[i].Len()) {
					results[i].err = newNodeError(id, KindError, context.Canceled)
					return nil
				}
				// The node keeps running if the execution is cancelled mid-flight;
				// its result is simply not committed.
				dctx := trace.ContextWithSpan(context.WithoutCancel(ex.ctx), trace.SpanFromContext(s.spanCtx))
				out, err := s.dispatcher.Dispatch(dctx, ex, id, inputs[i])
				results[i] = dispatchResult{out: out, err: err}
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ex.ctx.Done():
		return nil, false
	}
	if ex.ctx.Err() != nil {
		return nil, false
	}
	return results, true
}

// markRunning moves an eligible node to running. It refuses nodes that
// cancellation already marked terminal.
func (s *scheduler) markRunning(id string, inputItems int) bool {
	now := time.Now()
	var activation int
	s.exec.updateNode(id, func(st *NodeState) {
		if st.Status != NodeEligible {
			return
		}
		st.Status = NodeRunning
		st.Activations++
		st.StartedAt = &now
		st.FinishedAt = nil
		activation = st.Activations
	})
	if activation == 0 {
		return false
	}
	s.exec.emit(EventStarted, id, map[string]any{
		"inputItems": inputItems,
		"activation": activation,
	})
	return true
}

// commit applies batch results in topological order.
func (s *scheduler) commit(batch []string, results []dispatchResult) {
	for i, id := range batch {
		gn := s.graph.nodes[id]
		r := results[i]
		if r.err == nil {
			s.succeed(id, r.out, nil)
			continue
		}
		nodeErr := newNodeError(id, KindError, r.err)
		if gn.node.Settings.ContinueOnFail && nodeErr.Kind != KindIterationLimit {
			log.Printf("component=engine action=node_recovered execution=%s node=%s err=%v", s.exec.id, id, nodeErr)
			s.succeed(id, errorOutput(gn, nodeErr), nodeErr)
			continue
		}
		s.fail(id, nodeErr)
	}
}

func (s *scheduler) succeed(id string, out NodeOutput, recovered *NodeExecutionError) {
	now := time.Now()
	s.exec.outputs.Commit(id, out)
	s.exec.updateNode(id, func(st *NodeState) {
		st.Status = NodeSucceeded
		st.FinishedAt = &now
		st.Error = recovered
	})
	s.gen[id]++
	payload := outputPayload(out)
	if recovered != nil {
		payload["error"] = errorPayload(recovered)
	}
	s.exec.emit(EventCompleted, id, payload)
	s.fireBackEdges(id)
}

func (s *scheduler) fail(id string, nodeErr *NodeExecutionError) {
	now := time.Now()
	s.exec.outputs.discard(id)
	s.exec.updateNode(id, func(st *NodeState) {
		st.Status = NodeFailed
		st.FinishedAt = &now
		st.Error = nodeErr
	})
	s.gen[id]++
	if s.firstErr == nil {
		s.firstErr = nodeErr
	}
	log.Printf("component=engine action=node_failed execution=%s node=%s kind=%s err=%s", s.exec.id, id, nodeErr.Kind, nodeErr.Message)
	s.exec.emit(EventFailed, id, map[string]any{"error": errorPayload(nodeErr)})
}

func (s *scheduler) failIterationLimit(id string, activations int) {
	nodeErr := &NodeExecutionError{
		NodeID:  id,
		Kind:    KindIterationLimit,
		Message: "node exceeded the activation limit",
	}
	log.Printf("component=engine action=iteration_limit execution=%s node=%s activations=%d max=%d", s.exec.id, id, activations, s.maxActivations)
	s.fail(id, nodeErr)
}

func (s *scheduler) skip(id string, reason SkipReason) {
	now := time.Now()
	s.exec.outputs.retire(id)
	s.exec.updateNode(id, func(st *NodeState) {
		st.Status = NodeSkipped
		st.SkipReason = reason
		st.FinishedAt = &now
	})
	s.gen[id]++
	s.exec.emit(EventSkipped, id, map[string]any{"reason": string(reason)})
}

// fireBackEdges captures data on the node's feedback edges and returns each
// receiving loop header to pending.
func (s *scheduler) fireBackEdges(id string) {
	for _, c := range s.graph.nodes[id].out {
		if !s.graph.back[c] {
			continue
		}
		items := EdgeItems(c, s.exec.outputs)
		if len(items) == 0 {
			continue
		}
		s.reentry[c.Target] = append(s.reentry[c.Target], capturedEdge{port: c.TargetInput, items: items.Clone()})
		if s.exec.nodeStatus(c.Target).Terminal() {
			s.rearm(c.Target)
		}
	}
}

func (s *scheduler) cancelled() {
	for _, id := range s.graph.order {
		if !s.exec.nodeStatus(id).Terminal() {
			s.skip(id, SkipCancelled)
		}
	}
	log.Printf("component=engine action=execution_cancelled execution=%s", s.exec.id)
	s.exec.emit(EventCancelled, "", map[string]any{"status": string(StatusCancelled)})
	s.exec.finish(StatusCancelled, nil)
	s.exec.events.Close()
}

func (s *scheduler) complete() {
	for _, id := range s.graph.order {
		if !s.exec.nodeStatus(id).Terminal() {
			s.skip(id, SkipNoData)
		}
	}
	status, kind := StatusCompleted, EventCompleted
	payload := map[string]any{}
	if s.firstErr != nil {
		status, kind = StatusFailed, EventFailed
		payload["error"] = errorPayload(s.firstErr)
	}
	payload["status"] = string(status)
	log.Printf("component=engine action=execution_finished execution=%s status=%s", s.exec.id, status)
	s.exec.emit(kind, "", payload)
	s.exec.finish(status, s.firstErr)
	s.exec.events.Close()
}

// errorOutput is what a continueOnFail node emits on its first declared output.
func errorOutput(gn *graphNode, nodeErr *NodeExecutionError) NodeOutput {
	items := gn.node.Settings.ErrorOutput.Clone()
	if len(items) == 0 {
		items = workflow.Items{{"error": nodeErr.Message, "node": gn.node.ID}}
	}
	if !gn.def.Branching() {
		return NewOutput(items)
	}
	ports := gn.def.OutputPorts()
	branches := make([]PortItems, len(ports))
	for i, p := range ports {
		branches[i] = PortItems{Port: p}
	}
	branches[0].Items = items
	return NewBranchOutput(branches...)
}

func outputPayload(out NodeOutput) map[string]any {
	main := out.Main()
	n := len(main)
	if n > previewItems {
		n = previewItems
	}
	payload := map[string]any{
		"items":   out.Len(),
		"preview": main[:n].Clone(),
	}
	if out.IsBranching() {
		counts := make(map[string]int)
		for _, port := range out.Branches() {
			items, _ := out.Branch(port)
			counts[port] = len(items)
		}
		payload["branches"] = counts
	}
	return payload
}

func errorPayload(err *NodeExecutionError) map[string]any {
	return map[string]any{
		"nodeId":  err.NodeID,
		"kind":    string(err.Kind),
		"message": err.Message,
	}
}
