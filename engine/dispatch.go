// ABOUTME: Node dispatcher: resolves parameter templates, invokes the node with timeout and panic recovery,
// ABOUTME: retries per the node's settings, and normalizes the result into a NodeOutput.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389-research/flowline/workflow"
)

const tracerName = "github.com/2389-research/flowline/engine"

// DefaultNodeTimeout bounds one attempt when the node sets no timeout.
const DefaultNodeTimeout = 5 * time.Minute

// Dispatcher runs one node at a time against an execution.
type Dispatcher struct {
	DefaultTimeout time.Duration
	// Tracer records one span per dispatch. Nil uses the global provider.
	Tracer trace.Tracer
}

func (d *Dispatcher) tracer() trace.Tracer {
	if d.Tracer != nil {
		return d.Tracer
	}
	return otel.Tracer(tracerName)
}

type attemptResult struct {
	res Result
	err error
}

// Dispatch executes nodeID once (plus retries) and returns its normalized output.
// Failures are returned as *NodeExecutionError.
func (d *Dispatcher) Dispatch(ctx context.Context, exec *Execution, nodeID string, in Input) (NodeOutput, error) {
	attrs := []attribute.KeyValue{
		attribute.String("flowline.execution.id", exec.id),
		attribute.String("flowline.node.id", nodeID),
		attribute.Int("flowline.node.input_items", in.Len()),
	}
	if gn, ok := exec.graph.nodes[nodeID]; ok {
		attrs = append(attrs, attribute.String("flowline.node.type", gn.def.Type))
	}
	ctx, span := d.tracer().Start(ctx, "flowline.node", trace.WithAttributes(attrs...))
	defer span.End()

	out, err := d.dispatch(ctx, exec, nodeID, in)
	if err != nil {
		var nodeErr *NodeExecutionError
		if errors.As(err, &nodeErr) {
			span.SetAttributes(
				attribute.String("flowline.error.kind", string(nodeErr.Kind)),
				attribute.Int("flowline.node.attempts", nodeErr.Attempts),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetAttributes(attribute.Int("flowline.node.output_items", out.Len()))
	return out, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, exec *Execution, nodeID string, in Input) (NodeOutput, error) {
	gn, ok := exec.graph.nodes[nodeID]
	if !ok || gn.exec == nil {
		return NodeOutput{}, newNodeError(nodeID, KindError, fmt.Errorf("%w: node %s is not executable", ErrUnknownNodeType, nodeID))
	}
	scope := newTemplateScope(in.Main(), exec.outputs, exec.id, string(exec.mode))
	params := scope.ResolveParameters(gn.node.Parameters)
	rt := &Runtime{exec: exec, nodeID: nodeID, def: gn.def, attachments: gn.attachments, scope: scope}

	settings := gn.node.Settings
	policy := retryPolicyFor(settings)
	shouldRetry := policy.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	timeout := settings.Timeout.Std()
	if timeout <= 0 {
		timeout = d.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}

	var lastErr *NodeExecutionError
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NodeOutput{}, newNodeError(nodeID, KindError, err)
		}
		res, err := d.attempt(ctx, gn.exec, in.clone(), params, rt, timeout)
		if err == nil {
			out, normErr := normalizeResult(gn.def, res)
			if normErr != nil {
				nodeErr := newNodeError(nodeID, KindError, normErr)
				nodeErr.Attempts = attempt
				return NodeOutput{}, nodeErr
			}
			return out, nil
		}
		kind := KindError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		lastErr = newNodeError(nodeID, kind, err)
		lastErr.Attempts = attempt
		if attempt >= policy.MaxAttempts || !shouldRetry(lastErr) {
			break
		}
		delay := policy.Backoff.DelayForAttempt(attempt - 1)
		trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
			attribute.Int("flowline.node.attempt", attempt),
			attribute.Int64("flowline.retry.delay_ms", delay.Milliseconds()),
		))
		log.Printf("component=engine action=retry execution=%s node=%s attempt=%d delay=%s err=%v", exec.id, nodeID, attempt, delay, err)
		exec.emit(EventRetrying, nodeID, map[string]any{
			"attempt":     attempt,
			"maxAttempts": policy.MaxAttempts,
			"delayMs":     delay.Milliseconds(),
			"error":       err.Error(),
		})
		if !sleepWithContext(ctx, delay) {
			break
		}
	}
	return NodeOutput{}, lastErr
}

// attempt runs the node once under a timeout, converting panics to errors.
// A node that ignores its context is abandoned when the timeout fires.
func (d *Dispatcher) attempt(ctx context.Context, node Executable, in Input, params Parameters, rt *Runtime, timeout time.Duration) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		res, err := safeExecute(actx, node, in, params, rt)
		done <- attemptResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && actx.Err() != nil && ctx.Err() == nil {
			return Result{}, fmt.Errorf("node timed out after %s: %w", timeout, context.DeadlineExceeded)
		}
		return r.res, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("node timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
}

func safeExecute(ctx context.Context, node Executable, in Input, params Parameters, rt *Runtime) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = fmt.Errorf("node panic in %q: %v\n%s", rt.nodeID, r, stack)
			res = Result{}
		}
	}()
	return node.Execute(ctx, in, params, rt)
}

// normalizeResult maps a node's result onto its declared outputs.
func normalizeResult(def Definition, res Result) (NodeOutput, error) {
	ports := def.OutputPorts()
	for name := range res.Ports {
		if !def.HasOutput(name) && !(name == workflow.DefaultPort && !def.Branching()) {
			return NodeOutput{}, fmt.Errorf("result uses undeclared output %q", name)
		}
	}
	if !def.Branching() {
		items := append(res.Items, res.Ports[ports[0]]...)
		if ports[0] != workflow.DefaultPort {
			items = append(items, res.Ports[workflow.DefaultPort]...)
		}
		return NewOutput(items), nil
	}
	branches := make([]PortItems, len(ports))
	for i, p := range ports {
		branches[i] = PortItems{Port: p, Items: res.Ports[p]}
	}
	if len(res.Items) > 0 {
		branches[0].Items = append(branches[0].Items, res.Items...)
	}
	return NewBranchOutput(branches...), nil
}
