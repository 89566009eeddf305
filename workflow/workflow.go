// ABOUTME: Workflow definition model: nodes with settings, port-addressed connections, and durations.
// ABOUTME: Provides normalization of port defaults, lookup helpers, and snapshot cloning.
package workflow

import (
	"fmt"
	"strconv"
	"time"
)

// DefaultPort is the port name used when a connection does not name one.
const DefaultPort = "main"

// Duration is a time.Duration that encodes as a Go duration string ("5s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText encodes the duration as a string like "1m30s".
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses a duration string. A bare integer is read as milliseconds.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		ms, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(ms) * time.Millisecond
	}
	*d = Duration(parsed)
	return nil
}

// Settings holds the per-node execution policy.
type Settings struct {
	ContinueOnFail bool     `yaml:"continueOnFail,omitempty" json:"continueOnFail,omitempty"`
	RetryOnFail    bool     `yaml:"retryOnFail,omitempty" json:"retryOnFail,omitempty"`
	MaxRetries     int      `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	RetryDelay     Duration `yaml:"retryDelay,omitempty" json:"retryDelay,omitempty"`
	RetryBackoff   float64  `yaml:"retryBackoff,omitempty" json:"retryBackoff,omitempty"`
	Timeout        Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ErrorOutput    Items    `yaml:"errorOutput,omitempty" json:"errorOutput,omitempty"`
}

// Node is one configured unit of work in a workflow.
type Node struct {
	ID         string         `yaml:"id" json:"id"`
	Type       string         `yaml:"type" json:"type"`
	Name       string         `yaml:"name,omitempty" json:"name,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Disabled   bool           `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Settings   Settings       `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// DisplayName returns the node name, falling back to its ID.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Connection is one directed edge between named ports of two nodes.
type Connection struct {
	Source       string `yaml:"source" json:"source"`
	SourceOutput string `yaml:"sourceOutput,omitempty" json:"sourceOutput,omitempty"`
	Target       string `yaml:"target" json:"target"`
	TargetInput  string `yaml:"targetInput,omitempty" json:"targetInput,omitempty"`
}

// String renders the connection as "source:port -> target:port".
func (c Connection) String() string {
	return fmt.Sprintf("%s:%s -> %s:%s", c.Source, c.SourceOutput, c.Target, c.TargetInput)
}

// Workflow is the persisted definition of a node graph.
type Workflow struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	Active      bool         `yaml:"active,omitempty" json:"active,omitempty"`
	Nodes       []Node       `yaml:"nodes" json:"nodes"`
	Connections []Connection `yaml:"connections" json:"connections"`
	UpdatedAt   time.Time    `yaml:"-" json:"updatedAt,omitempty"`
}

// Normalize fills default port names on every connection.
func (w *Workflow) Normalize() {
	for i := range w.Connections {
		if w.Connections[i].SourceOutput == "" {
			w.Connections[i].SourceOutput = DefaultPort
		}
		if w.Connections[i].TargetInput == "" {
			w.Connections[i].TargetInput = DefaultPort
		}
	}
}

// Node returns the node with the given ID, or nil if not found.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Clone returns a deep copy, used as the immutable snapshot of one execution.
func (w *Workflow) Clone() *Workflow {
	out := &Workflow{
		ID:          w.ID,
		Name:        w.Name,
		Active:      w.Active,
		UpdatedAt:   w.UpdatedAt,
		Nodes:       make([]Node, len(w.Nodes)),
		Connections: append([]Connection(nil), w.Connections...),
	}
	for i, n := range w.Nodes {
		n.Parameters = cloneParams(n.Parameters)
		n.Settings.ErrorOutput = n.Settings.ErrorOutput.Clone()
		out.Nodes[i] = n
	}
	return out
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	return CloneValue(params).(map[string]any)
}
