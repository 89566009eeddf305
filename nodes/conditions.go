// ABOUTME: Condition expression language used by if/switch nodes to route items.
// ABOUTME: Evaluates clauses like "status = active && score >= 10 || vip = true" against an item's JSON fields.
package nodes

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389-research/flowline/workflow"
)

// Condition grammar:
//
//	Expr   := And ('||' And)*
//	And    := Clause ('&&' Clause)*
//	Clause := Path Op Literal
//	Op     := '=' | '==' | '!=' | '>' | '<' | '>=' | '<=' | 'contains'
//
// Paths are gjson paths into the item; a leading "$json." is accepted.
// Literals may be quoted. An empty expression is true.
type Condition struct {
	raw   string
	anyOf [][]clause
}

type clause struct {
	path    string
	op      string
	literal string
}

var symbolOps = []string{"!=", ">=", "<=", "==", "=", ">", "<"}

// ParseCondition parses expr. Malformed clauses are reported as errors.
func ParseCondition(expr string) (Condition, error) {
	c := Condition{raw: expr}
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return c, nil
	}
	for _, alt := range strings.Split(trimmed, "||") {
		var all []clause
		for _, part := range strings.Split(alt, "&&") {
			cl, err := parseClause(strings.TrimSpace(part))
			if err != nil {
				return Condition{}, fmt.Errorf("condition %q: %w", expr, err)
			}
			all = append(all, cl)
		}
		c.anyOf = append(c.anyOf, all)
	}
	return c, nil
}

func parseClause(s string) (clause, error) {
	if s == "" {
		return clause{}, fmt.Errorf("empty clause")
	}
	idx, op := strings.Index(s, " contains "), " contains "
	for i := 0; i < len(s) && (idx < 0 || i < idx); i++ {
		if sym := symbolAt(s, i); sym != "" {
			idx, op = i, sym
			break
		}
	}
	if idx < 0 {
		return clause{}, fmt.Errorf("clause %q has no operator", s)
	}
	path := strings.TrimSpace(s[:idx])
	path = strings.TrimPrefix(path, "$json.")
	path = strings.TrimPrefix(path, "json.")
	if path == "" {
		return clause{}, fmt.Errorf("clause %q has no field", s)
	}
	literal := unquote(strings.TrimSpace(s[idx+len(op):]))
	op = strings.TrimSpace(op)
	switch op {
	case "==":
		op = "="
	case ">", "<", ">=", "<=":
		if literal == "" {
			return clause{}, fmt.Errorf("clause %q has nothing to compare against", s)
		}
	}
	return clause{path: path, op: op, literal: literal}, nil
}

func symbolAt(s string, i int) string {
	for _, candidate := range symbolOps {
		if strings.HasPrefix(s[i:], candidate) {
			return candidate
		}
	}
	return ""
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// String returns the source expression.
func (c Condition) String() string { return c.raw }

// Evaluate reports whether item satisfies the condition.
func (c Condition) Evaluate(item workflow.Item) bool {
	if len(c.anyOf) == 0 {
		return true
	}
	raw := item.JSON()
	for _, all := range c.anyOf {
		ok := true
		for _, cl := range all {
			if !cl.evaluate(raw) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// EvaluateCondition parses and evaluates expr in one step. A malformed
// expression evaluates to false.
func EvaluateCondition(expr string, item workflow.Item) bool {
	c, err := ParseCondition(expr)
	if err != nil {
		return false
	}
	return c.Evaluate(item)
}

func (cl clause) evaluate(raw []byte) bool {
	res := gjson.GetBytes(raw, cl.path)
	switch cl.op {
	case "=":
		return equals(res, cl.literal)
	case "!=":
		return !equals(res, cl.literal)
	case "contains":
		if res.IsArray() {
			for _, elem := range res.Array() {
				if equals(elem, cl.literal) {
					return true
				}
			}
			return false
		}
		return res.Exists() && strings.Contains(res.String(), cl.literal)
	default:
		if !res.Exists() {
			return false
		}
		return compare(res, cl.literal, cl.op)
	}
}

func equals(res gjson.Result, literal string) bool {
	switch literal {
	case "null":
		return !res.Exists() || res.Type == gjson.Null
	case "true", "false":
		if res.Type == gjson.True || res.Type == gjson.False {
			return strconv.FormatBool(res.Bool()) == literal
		}
	}
	if !res.Exists() {
		return literal == ""
	}
	if res.Type == gjson.Number {
		if f, err := strconv.ParseFloat(literal, 64); err == nil {
			return res.Float() == f
		}
	}
	return res.String() == literal
}

func compare(res gjson.Result, literal, op string) bool {
	lf, lerr := strconv.ParseFloat(literal, 64)
	var cmp int
	if res.Type == gjson.Number && lerr == nil {
		switch v := res.Float(); {
		case v < lf:
			cmp = -1
		case v > lf:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(res.String(), literal)
	}
	switch op {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}
