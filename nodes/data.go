// ABOUTME: Data-shaping node types: set writes or removes fields by path, markdown renders a field to HTML.
// ABOUTME: Field writes go through sjson so dotted paths create nested objects and array indexes.
package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

// Set assigns values to item fields. Keys of "values" are sjson paths such
// as "user.name" or "tags.-1" (append).
type Set struct{}

func (Set) Definition() engine.Definition {
	return engine.Definition{
		Type:        "set",
		DisplayName: "Edit Fields",
		Description: "Sets, replaces, or removes item fields",
		Parameters: []engine.ParameterSpec{
			{Name: "values", Type: "object", Description: "path -> value"},
			{Name: "remove", Type: "list", Description: "paths to delete"},
			{Name: "keepOnlySet", Type: "boolean", Default: false},
		},
		Capabilities: executable(),
	}
}

func (Set) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	values := params.Map("values")
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	// Parents before children, so "a" then "a.b" nests instead of clobbering.
	sort.Strings(paths)
	remove := params.Strings("remove")
	keepOnly := params.Bool("keepOnlySet", false)

	items := in.Main()
	if len(items) == 0 {
		items = workflow.Items{{}}
	}
	out := make(workflow.Items, 0, len(items))
	for _, it := range items {
		doc := []byte("{}")
		if !keepOnly {
			doc = it.JSON()
		}
		var err error
		for _, p := range paths {
			if doc, err = sjson.SetBytes(doc, p, values[p]); err != nil {
				return engine.Result{}, fmt.Errorf("set %s: %w", p, err)
			}
		}
		for _, p := range remove {
			if doc, err = sjson.DeleteBytes(doc, p); err != nil {
				return engine.Result{}, fmt.Errorf("remove %s: %w", p, err)
			}
		}
		var next workflow.Item
		if err := json.Unmarshal(doc, &next); err != nil {
			return engine.Result{}, fmt.Errorf("decode item: %w", err)
		}
		out = append(out, next)
	}
	return engine.ItemsResult(out), nil
}

// Markdown converts a markdown field of each item to HTML.
type Markdown struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// NewMarkdown returns a markdown node rendering GitHub-flavored markdown.
// Output is sanitized for untrusted input unless the node sets sanitize=false.
func NewMarkdown() *Markdown {
	return &Markdown{
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: bluemonday.UGCPolicy(),
	}
}

func (m *Markdown) Definition() engine.Definition {
	return engine.Definition{
		Type:        "markdown",
		DisplayName: "Markdown",
		Description: "Renders a markdown field to HTML",
		Parameters: []engine.ParameterSpec{
			{Name: "field", Type: "string", Default: "markdown", Description: "gjson path of the source"},
			{Name: "destination", Type: "string", Default: "html", Description: "sjson path of the result"},
			{Name: "sanitize", Type: "boolean", Default: true},
		},
		Capabilities: executable(),
	}
}

func (m *Markdown) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	field := params.String("field", "markdown")
	dest := params.String("destination", "html")
	sanitize := params.Bool("sanitize", true)
	items := in.Main()
	out := make(workflow.Items, 0, len(items))
	for i, it := range items {
		doc := it.JSON()
		src := gjson.GetBytes(doc, field)
		if !src.Exists() {
			return engine.Result{}, fmt.Errorf("item %d has no field %q", i, field)
		}
		var buf bytes.Buffer
		if err := m.md.Convert([]byte(src.String()), &buf); err != nil {
			return engine.Result{}, fmt.Errorf("item %d: render markdown: %w", i, err)
		}
		html := buf.Bytes()
		if sanitize {
			html = m.policy.SanitizeBytes(html)
		}
		doc, err := sjson.SetBytes(doc, dest, string(html))
		if err != nil {
			return engine.Result{}, fmt.Errorf("item %d: set %s: %w", i, dest, err)
		}
		var next workflow.Item
		if err := json.Unmarshal(doc, &next); err != nil {
			return engine.Result{}, fmt.Errorf("item %d: decode: %w", i, err)
		}
		out = append(out, next)
	}
	return engine.ItemsResult(out), nil
}
