// ABOUTME: Engine error taxonomy: sentinel errors, node execution errors with a kind, validation errors.
// ABOUTME: NodeExecutionError carries the node id, kind, and message surfaced as the execution error.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTooManyExecutions is returned at admission when the running cap is reached.
	ErrTooManyExecutions = errors.New("too many executions")
	// ErrExecutionNotFound is returned for unknown or released execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrCycleDetected matches validation errors caused by an ungated cycle.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrUnknownNodeType is returned when a type id has no registration.
	ErrUnknownNodeType = errors.New("unknown node type")
	// ErrNotStateful is returned when a node without the stateful capability touches runtime state.
	ErrNotStateful = errors.New("node type is not stateful")
	// ErrNotResponseProducer is returned when a node without the capability sets a webhook response.
	ErrNotResponseProducer = errors.New("node type is not a response producer")
	// ErrAlreadyResponded is returned when a webhook response was already set for the execution.
	ErrAlreadyResponded = errors.New("webhook response already set")
	// ErrNoChatModel is returned when a consumer has no attached chat provider.
	ErrNoChatModel = errors.New("no chat model attached")
	// ErrShuttingDown is returned by Start after Shutdown began.
	ErrShuttingDown = errors.New("service is shutting down")
)

// ErrorKind classifies a node failure.
type ErrorKind string

const (
	KindError          ErrorKind = "error"
	KindTimeout        ErrorKind = "timeout"
	KindIterationLimit ErrorKind = "iterationLimitExceeded"
)

// NodeExecutionError is a failure of one node's execution.
type NodeExecutionError struct {
	NodeID   string    `json:"nodeId"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
	Err      error     `json:"-"`
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s failed (%s): %s", e.NodeID, e.Kind, e.Message)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the dispatcher may re-invoke the node after this error.
func (e *NodeExecutionError) Retryable() bool {
	return e.Kind != KindIterationLimit
}

// newNodeError wraps err as a NodeExecutionError unless it already is one.
func newNodeError(nodeID string, kind ErrorKind, err error) *NodeExecutionError {
	var nodeErr *NodeExecutionError
	if errors.As(err, &nodeErr) {
		return nodeErr
	}
	return &NodeExecutionError{NodeID: nodeID, Kind: kind, Message: err.Error(), Err: err}
}

// ValidationError reports a malformed workflow graph. It is fatal before any dispatch.
type ValidationError struct {
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			msgs = append(msgs, d.Message)
		}
	}
	return fmt.Sprintf("workflow validation failed with %d error(s): %s", len(msgs), strings.Join(msgs, "; "))
}

// Is lets errors.Is(err, ErrCycleDetected) match cycle failures.
func (e *ValidationError) Is(target error) bool {
	if target != ErrCycleDetected {
		return false
	}
	for _, d := range e.Diagnostics {
		if d.Rule == ruleCycle && d.Severity == SeverityError {
			return true
		}
	}
	return false
}
