// ABOUTME: Resolves {{ expression }} templates in node parameters against the node's input items.
// ABOUTME: Paths are looked up with gjson; a string holding exactly one expression keeps the value's type.
package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389-research/flowline/workflow"
)

var (
	exprPattern  = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)
	wholePattern = regexp.MustCompile(`^\{\{\s*(.+?)\s*\}\}$`)
	indexPattern = regexp.MustCompile(`\[(\d+)\]`)
)

// templateScope is what expressions can address during one dispatch.
type templateScope struct {
	items       workflow.Items
	outputs     *OutputStore
	executionID string
	mode        string
	cache       map[int][]byte
}

func newTemplateScope(items workflow.Items, outputs *OutputStore, executionID, mode string) *templateScope {
	return &templateScope{
		items:       items,
		outputs:     outputs,
		executionID: executionID,
		mode:        mode,
		cache:       make(map[int][]byte),
	}
}

// ResolveParameters returns a copy of params with every template resolved.
func (s *templateScope) ResolveParameters(params map[string]any) Parameters {
	out := make(Parameters, len(params))
	for k, v := range params {
		out[k] = s.resolveValue(v)
	}
	return out
}

func (s *templateScope) resolveValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.resolveString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = s.resolveValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.resolveValue(inner)
		}
		return out
	default:
		return workflow.CloneValue(v)
	}
}

func (s *templateScope) resolveString(str string) any {
	if !strings.Contains(str, "{{") {
		return str
	}
	if m := wholePattern.FindStringSubmatch(str); m != nil && !strings.Contains(m[1], "}}") {
		v, _ := s.evaluate(m[1])
		return v
	}
	return exprPattern.ReplaceAllStringFunc(str, func(match string) string {
		expr := exprPattern.FindStringSubmatch(match)[1]
		v, _ := s.evaluate(expr)
		return stringify(v)
	})
}

// evaluate resolves one expression:
//
//	$json.a.b        field of the first input item
//	$items[2].a      field of the item at an explicit index
//	$node.<id>.a     field of the first item another node produced
//	$execution.id    execution id ($execution.mode for the mode)
//	a.b              shorthand for $json.a.b
func (s *templateScope) evaluate(expr string) (any, bool) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "$execution.id":
		return s.executionID, true
	case expr == "$execution.mode":
		return s.mode, true
	case expr == "$json" || strings.HasPrefix(expr, "$json.") || strings.HasPrefix(expr, "$json["):
		return s.itemPath(0, strings.TrimPrefix(expr, "$json"))
	case strings.HasPrefix(expr, "$items["):
		end := strings.Index(expr, "]")
		if end < 0 {
			return nil, false
		}
		idx, err := strconv.Atoi(expr[len("$items["):end])
		if err != nil {
			return nil, false
		}
		return s.itemPath(idx, expr[end+1:])
	case strings.HasPrefix(expr, "$node."):
		rest := strings.TrimPrefix(expr, "$node.")
		id, path, _ := strings.Cut(rest, ".")
		return s.nodePath(id, path)
	case strings.HasPrefix(expr, "$node[\""):
		rest := strings.TrimPrefix(expr, "$node[\"")
		id, path, ok := strings.Cut(rest, "\"]")
		if !ok {
			return nil, false
		}
		return s.nodePath(id, strings.TrimPrefix(path, "."))
	case strings.HasPrefix(expr, "$"):
		return nil, false
	default:
		return s.itemPath(0, "."+expr)
	}
}

func (s *templateScope) itemPath(idx int, path string) (any, bool) {
	if idx < 0 || idx >= len(s.items) {
		return nil, false
	}
	raw, ok := s.cache[idx]
	if !ok {
		raw = s.items[idx].JSON()
		s.cache[idx] = raw
	}
	return lookupJSON(raw, path)
}

func (s *templateScope) nodePath(id, path string) (any, bool) {
	if s.outputs == nil {
		return nil, false
	}
	out, ok := s.outputs.view(id)
	if !ok {
		return nil, false
	}
	main := out.Main()
	if len(main) == 0 {
		return nil, false
	}
	return lookupJSON(main[0].JSON(), "."+path)
}

// lookupJSON reads a dotted path (".a.b", "[0].c") from a JSON document.
// An empty path returns the whole document.
func lookupJSON(raw []byte, path string) (any, bool) {
	path = indexPattern.ReplaceAllString(path, ".$1")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		var whole any
		if err := json.Unmarshal(raw, &whole); err != nil {
			return nil, false
		}
		return whole, true
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// stringify renders a resolved value for embedding in a larger string.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
