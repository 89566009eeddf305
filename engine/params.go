// ABOUTME: Typed accessors over a node's resolved parameter map.
// ABOUTME: Tolerates the numeric and list shapes produced by YAML and JSON decoding.
package engine

import (
	"fmt"
	"strconv"
	"time"
)

// Parameters is a node's parameter map after template resolution.
type Parameters map[string]any

// Value returns the raw parameter value.
func (p Parameters) Value(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}

// String returns the parameter as a string, or def when absent or nil.
func (p Parameters) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the parameter as an int, or def when absent or not numeric.
func (p Parameters) Int(key string, def int) int {
	if f, ok := toFloat(p[key]); ok {
		return int(f)
	}
	return def
}

// Float returns the parameter as a float64, or def when absent or not numeric.
func (p Parameters) Float(key string, def float64) float64 {
	if f, ok := toFloat(p[key]); ok {
		return f
	}
	return def
}

// Bool returns the parameter as a bool, or def when absent or not boolean.
func (p Parameters) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration returns the parameter as a duration. Strings use Go duration
// syntax; numbers are milliseconds.
func (p Parameters) Duration(key string, def time.Duration) time.Duration {
	switch v := p[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case nil:
		return def
	default:
		if f, ok := toFloat(v); ok {
			return time.Duration(f * float64(time.Millisecond))
		}
	}
	return def
}

// Map returns the parameter as a map, or nil.
func (p Parameters) Map(key string) map[string]any {
	if m, ok := p[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Slice returns the parameter as a list. A single scalar becomes a one-element list.
func (p Parameters) Slice(key string) []any {
	switch v := p[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// Strings returns the parameter as a list of strings.
func (p Parameters) Strings(key string) []string {
	raw := p.Slice(key)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if v == nil {
			continue
		}
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
