// ABOUTME: Flow-control node types: if, switch, splitInBatches, merge, noOp, wait, and stopAndError.
// ABOUTME: Branching nodes route each item to exactly one named output; splitInBatches drives loops.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

// conditionsFrom reads "condition" (one expression) or "conditions" (a list
// joined by "combinator", and by default) into a single condition.
func conditionsFrom(params engine.Parameters) (Condition, error) {
	if expr, ok := params["condition"].(string); ok {
		return ParseCondition(expr)
	}
	parts := params.Strings("conditions")
	if len(parts) == 0 {
		return ParseCondition("")
	}
	switch c := params.String("combinator", "and"); c {
	case "and":
		for _, p := range parts {
			if strings.Contains(p, "||") {
				return Condition{}, fmt.Errorf("condition %q: use combinator or instead of || inside a conditions list", p)
			}
		}
		return ParseCondition(strings.Join(parts, " && "))
	case "or":
		return ParseCondition(strings.Join(parts, " || "))
	default:
		return Condition{}, fmt.Errorf("unknown combinator %q", c)
	}
}

// If routes each item to "true" or "false".
type If struct{}

func (If) Definition() engine.Definition {
	return engine.Definition{
		Type:        "if",
		DisplayName: "If",
		Description: "Routes items by a condition",
		Outputs:     []string{"true", "false"},
		Parameters: []engine.ParameterSpec{
			{Name: "condition", Type: "string"},
			{Name: "conditions", Type: "list"},
			{Name: "combinator", Type: "string", Default: "and"},
		},
		Capabilities: executable(),
	}
}

func (If) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	cond, err := conditionsFrom(params)
	if err != nil {
		return engine.Result{}, err
	}
	res := engine.Result{Ports: map[string]workflow.Items{"true": nil, "false": nil}}
	for _, it := range in.Main() {
		port := "false"
		if cond.Evaluate(it) {
			port = "true"
		}
		res.Ports[port] = append(res.Ports[port], it)
	}
	return res, nil
}

const switchOutputs = 4

// Switch routes each item to the output of the first matching rule, or to "fallback".
type Switch struct{}

func (Switch) Definition() engine.Definition {
	outputs := make([]string, 0, switchOutputs+1)
	for i := 0; i < switchOutputs; i++ {
		outputs = append(outputs, strconv.Itoa(i))
	}
	return engine.Definition{
		Type:        "switch",
		DisplayName: "Switch",
		Description: "Routes items to the output of the first matching rule",
		Outputs:     append(outputs, "fallback"),
		Parameters: []engine.ParameterSpec{
			{Name: "rules", Type: "list", Description: "[{condition, output}] evaluated in order"},
			{Name: "fallback", Type: "string", Default: "fallback", Description: "fallback or none"},
		},
		Capabilities: executable(),
	}
}

type switchRule struct {
	cond Condition
	port string
}

func (Switch) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	var rules []switchRule
	for i, raw := range params.Slice("rules") {
		m, ok := raw.(map[string]any)
		if !ok {
			return engine.Result{}, fmt.Errorf("rule %d is not an object", i)
		}
		rp := engine.Parameters(m)
		cond, err := ParseCondition(rp.String("condition", ""))
		if err != nil {
			return engine.Result{}, fmt.Errorf("rule %d: %w", i, err)
		}
		out := rp.Int("output", i)
		if out < 0 || out >= switchOutputs {
			return engine.Result{}, fmt.Errorf("rule %d: output %d out of range 0..%d", i, out, switchOutputs-1)
		}
		rules = append(rules, switchRule{cond: cond, port: strconv.Itoa(out)})
	}
	dropUnmatched := params.String("fallback", "fallback") == "none"

	res := engine.Result{Ports: make(map[string]workflow.Items)}
	for _, it := range in.Main() {
		port := "fallback"
		for _, r := range rules {
			if r.cond.Evaluate(it) {
				port = r.port
				break
			}
		}
		if port == "fallback" && dropUnmatched {
			continue
		}
		res.Ports[port] = append(res.Ports[port], it)
	}
	return res, nil
}

// batchState is the loop cursor kept in runtime state between activations.
type batchState struct {
	items      workflow.Items
	pos        int
	iterations int
}

// SplitInBatches emits its input in batches on "continue", one batch per
// activation, and a summary on "done" once every item was sent. Wire the end
// of the loop body back into it to process the next batch.
type SplitInBatches struct{}

func (SplitInBatches) Definition() engine.Definition {
	return engine.Definition{
		Type:        "splitInBatches",
		DisplayName: "Loop Over Items",
		Description: "Emits items in batches until all are processed",
		Outputs:     []string{"continue", "done"},
		Parameters: []engine.ParameterSpec{
			{Name: "batchSize", Type: "number", Default: 1},
		},
		Capabilities: executable(engine.CapStateful),
	}
}

func (SplitInBatches) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	size := params.Int("batchSize", 1)
	if size < 1 {
		return engine.Result{}, fmt.Errorf("batchSize must be at least 1, got %d", size)
	}
	st, ok := loadBatchState(rt)
	if !ok {
		st = &batchState{items: in.Main().Clone()}
	}
	if st.pos >= len(st.items) {
		if err := rt.ClearState(); err != nil {
			return engine.Result{}, err
		}
		return engine.PortResult("done", workflow.Items{{
			"iterations": st.iterations,
			"total":      len(st.items),
			"processed":  st.pos,
		}}), nil
	}
	end := min(st.pos+size, len(st.items))
	batch := st.items[st.pos:end].Clone()
	st.pos = end
	st.iterations++
	if err := rt.SetState(st); err != nil {
		return engine.Result{}, err
	}
	return engine.PortResult("continue", batch), nil
}

func loadBatchState(rt *engine.Runtime) (*batchState, bool) {
	v, ok := rt.State()
	if !ok {
		return nil, false
	}
	st, ok := v.(*batchState)
	return st, ok
}

// Merge combines the items arriving on input1 and input2.
type Merge struct{}

func (Merge) Definition() engine.Definition {
	return engine.Definition{
		Type:        "merge",
		DisplayName: "Merge",
		Description: "Combines two inputs",
		Inputs:      []string{"input1", "input2"},
		Parameters: []engine.ParameterSpec{
			{Name: "mode", Type: "string", Default: "append", Description: "append, combineByIndex, or chooseBranch"},
			{Name: "output", Type: "string", Default: "input1", Description: "branch kept by chooseBranch"},
		},
		Capabilities: executable(),
	}
}

func (Merge) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	a, b := in.Port("input1"), in.Port("input2")
	switch mode := params.String("mode", "append"); mode {
	case "append":
		return engine.ItemsResult(append(append(workflow.Items{}, a...), b...)), nil
	case "combineByIndex":
		n := max(len(a), len(b))
		out := make(workflow.Items, 0, n)
		for i := 0; i < n; i++ {
			merged := workflow.Item{}
			if i < len(a) {
				for k, v := range a[i] {
					merged[k] = v
				}
			}
			if i < len(b) {
				for k, v := range b[i] {
					merged[k] = v
				}
			}
			out = append(out, merged)
		}
		return engine.ItemsResult(out), nil
	case "chooseBranch":
		if params.String("output", "input1") == "input2" {
			return engine.ItemsResult(b), nil
		}
		return engine.ItemsResult(a), nil
	default:
		return engine.Result{}, fmt.Errorf("unknown merge mode %q", mode)
	}
}

// NoOp passes its input through unchanged.
type NoOp struct{}

func (NoOp) Definition() engine.Definition {
	return engine.Definition{Type: "noOp", DisplayName: "No Operation", Capabilities: executable()}
}

func (NoOp) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	return engine.ItemsResult(in.Main()), nil
}

// Wait pauses for a duration, then passes its input through.
type Wait struct{}

func (Wait) Definition() engine.Definition {
	return engine.Definition{
		Type:        "wait",
		DisplayName: "Wait",
		Parameters: []engine.ParameterSpec{
			{Name: "duration", Type: "duration", Default: "1s", Description: "Go duration string or milliseconds"},
		},
		Capabilities: executable(),
	}
}

func (Wait) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	d := params.Duration("duration", time.Second)
	if d < 0 {
		return engine.Result{}, fmt.Errorf("negative duration %s", d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return engine.ItemsResult(in.Main()), nil
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
}

// ErrStopped is wrapped by stopAndError failures.
var ErrStopped = errors.New("workflow stopped")

// StopAndError fails the node with a configured message.
type StopAndError struct{}

func (StopAndError) Definition() engine.Definition {
	return engine.Definition{
		Type:        "stopAndError",
		DisplayName: "Stop and Error",
		Parameters: []engine.ParameterSpec{
			{Name: "message", Type: "string", Default: "workflow stopped"},
		},
		Capabilities: executable(),
	}
}

func (StopAndError) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	msg := params.String("message", "")
	if msg == "" {
		return engine.Result{}, ErrStopped
	}
	return engine.Result{}, fmt.Errorf("%w: %s", ErrStopped, msg)
}
