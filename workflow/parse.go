// ABOUTME: Parses workflow definitions from YAML or JSON documents and files.
// ABOUTME: Applies port defaults and basic shape checks; graph validation lives in the engine.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyWorkflow is returned when a document defines no nodes.
var ErrEmptyWorkflow = errors.New("workflow has no nodes")

// Parse decodes a workflow from YAML or JSON. JSON documents are valid YAML,
// so a single decoder covers both encodings.
func Parse(data []byte) (*Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyWorkflow
	}
	var wf Workflow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if len(wf.Nodes) == 0 {
		return nil, ErrEmptyWorkflow
	}
	wf.Normalize()
	return &wf, nil
}

// ParseFile reads and parses a workflow file. When the document has no id,
// the file name without extension is used.
func ParseFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if wf.ID == "" {
		base := filepath.Base(path)
		wf.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return wf, nil
}

// Encode renders the workflow as YAML.
func Encode(wf *Workflow) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(wf); err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	return buf.Bytes(), nil
}

// IsWorkflowFile reports whether the path has a workflow file extension.
func IsWorkflowFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
