// ABOUTME: Webhook trigger registry that maps (method, path) to the workflow trigger node it fires.
// ABOUTME: Matches the most specific pattern first and tells method mismatches apart from unknown paths.
package trigger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no registration matches the path.
	ErrNotFound = errors.New("no webhook registered for path")
	// ErrConflict is returned when a registration overlaps an existing one.
	ErrConflict = errors.New("webhook registration conflicts with an existing one")
	// ErrInvalidPattern is returned for malformed path patterns.
	ErrInvalidPattern = errors.New("invalid webhook path pattern")
)

// MethodNotAllowedError reports a path that is registered, but not for the
// requested method. Allowed is sorted and deduplicated.
type MethodNotAllowedError struct {
	Method  string
	Path    string
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method %s not allowed for %s (allowed: %s)", e.Method, e.Path, strings.Join(e.Allowed, ", "))
}

type segmentKind int

const (
	segStatic segmentKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind  segmentKind
	value string
}

// Registration binds a webhook path to the trigger node of one workflow.
type Registration struct {
	ID            uuid.UUID `json:"id"`
	Pattern       string    `json:"pattern"`
	Methods       []string  `json:"methods"`
	WorkflowID    string    `json:"workflowId"`
	TriggerNodeID string    `json:"triggerNodeId"`
	Auth          Auth      `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`

	segments []segment
}

// AuthType reports the configured authentication type for listings.
func (r Registration) AuthType() AuthType {
	return r.Auth.kind()
}

func (r Registration) allows(method string) bool {
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// staticPrefix counts the static segments before the first dynamic one.
func (r Registration) staticPrefix() int {
	n := 0
	for _, s := range r.segments {
		if s.kind != segStatic {
			break
		}
		n++
	}
	return n
}

func (r Registration) counts() (static, wildcards int) {
	for _, s := range r.segments {
		switch s.kind {
		case segStatic:
			static++
		case segWildcard:
			wildcards++
		}
	}
	return static, wildcards
}

// shape renders the pattern with parameter names erased, so "/a/:x" and
// "/a/:y" compare equal.
func (r Registration) shape() string {
	parts := make([]string, len(r.segments))
	for i, s := range r.segments {
		switch s.kind {
		case segStatic:
			parts[i] = s.value
		case segParam:
			parts[i] = ":"
		case segWildcard:
			parts[i] = "*"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Shape returns the pattern with parameter names erased. Patterns with the
// same shape cannot share a method. Invalid patterns are returned as given.
func Shape(pattern string) string {
	segs, err := parsePattern(pattern)
	if err != nil {
		return pattern
	}
	return Registration{segments: segs}.shape()
}

// Match is a successful lookup.
type Match struct {
	Registration Registration
	Params       map[string]string
}

// Matcher is the process-wide webhook registry. It is safe for concurrent use.
type Matcher struct {
	mu   sync.RWMutex
	regs map[uuid.UUID]*Registration
}

// NewMatcher returns an empty registry.
func NewMatcher() *Matcher {
	return &Matcher{regs: make(map[uuid.UUID]*Registration)}
}

// ValidatePattern reports whether pattern is a usable webhook path.
func ValidatePattern(pattern string) error {
	_, err := parsePattern(pattern)
	return err
}

// parsePattern splits a path pattern. Segments are static text, ":name" for
// exactly one segment, or "*"/"*name" for the rest of the path (last segment
// only).
func parsePattern(pattern string) ([]segment, error) {
	trimmed := strings.Trim(pattern, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %q is empty", ErrInvalidPattern, pattern)
	}
	raw := strings.Split(trimmed, "/")
	segs := make([]segment, 0, len(raw))
	names := make(map[string]bool)
	for i, part := range raw {
		switch {
		case part == "":
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, pattern)
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("%w: %q has an unnamed parameter", ErrInvalidPattern, pattern)
			}
			if names[name] {
				return nil, fmt.Errorf("%w: %q repeats parameter %q", ErrInvalidPattern, pattern, name)
			}
			names[name] = true
			segs = append(segs, segment{kind: segParam, value: name})
		case strings.HasPrefix(part, "*"):
			if i != len(raw)-1 {
				return nil, fmt.Errorf("%w: %q has a wildcard before the last segment", ErrInvalidPattern, pattern)
			}
			name := part[1:]
			if name == "" {
				name = "*"
			}
			segs = append(segs, segment{kind: segWildcard, value: name})
		default:
			segs = append(segs, segment{kind: segStatic, value: part})
		}
	}
	return segs, nil
}

// normalizeMethods upper-cases and deduplicates, defaulting to POST.
func normalizeMethods(methods []string) []string {
	if len(methods) == 0 {
		return []string{"POST"}
	}
	seen := make(map[string]bool, len(methods))
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Register validates and stores reg, assigning its ID. A registration whose
// pattern has the same shape as an existing one and shares a method is
// rejected with ErrConflict.
func (m *Matcher) Register(reg Registration) (Registration, error) {
	reg, err := prepare(reg)
	if err != nil {
		return Registration{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertLocked(reg); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// prepare validates reg and fills in its derived fields and ID.
func prepare(reg Registration) (Registration, error) {
	segs, err := parsePattern(reg.Pattern)
	if err != nil {
		return Registration{}, err
	}
	if err := reg.Auth.validate(); err != nil {
		return Registration{}, err
	}
	reg.segments = segs
	reg.Pattern = "/" + strings.Trim(reg.Pattern, "/")
	reg.Methods = normalizeMethods(reg.Methods)
	reg.ID = uuid.New()
	reg.CreatedAt = time.Now()
	return reg, nil
}

// insertLocked stores a prepared registration after the conflict check.
// m.mu must be held for writing.
func (m *Matcher) insertLocked(reg Registration) error {
	shape := reg.shape()
	for _, existing := range m.regs {
		if existing.shape() != shape {
			continue
		}
		for _, method := range reg.Methods {
			if existing.allows(method) {
				return fmt.Errorf("%w: %s %s is already registered by workflow %s", ErrConflict, method, existing.Pattern, existing.WorkflowID)
			}
		}
	}
	stored := reg
	m.regs[reg.ID] = &stored
	return nil
}

// swap atomically replaces every registration of workflowID with regs. When
// any of regs conflicts, the registry is left exactly as it was.
func (m *Matcher) swap(workflowID string, regs []Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var previous []*Registration
	if workflowID != "" {
		for id, r := range m.regs {
			if r.WorkflowID == workflowID {
				previous = append(previous, r)
				delete(m.regs, id)
			}
		}
	}
	for i, r := range regs {
		if err := m.insertLocked(r); err != nil {
			for _, added := range regs[:i] {
				delete(m.regs, added.ID)
			}
			for _, p := range previous {
				m.regs[p.ID] = p
			}
			return err
		}
	}
	return nil
}

// Unregister removes one registration. It reports whether it existed.
func (m *Matcher) Unregister(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[id]; !ok {
		return false
	}
	delete(m.regs, id)
	return true
}

// UnregisterWorkflow removes every registration of a workflow and returns how many were removed.
func (m *Matcher) UnregisterWorkflow(workflowID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, reg := range m.regs {
		if reg.WorkflowID == workflowID {
			delete(m.regs, id)
			n++
		}
	}
	return n
}

// List returns all registrations ordered by pattern, then by creation time.
func (m *Matcher) List() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Registration, 0, len(m.regs))
	for _, reg := range m.regs {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registrations.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regs)
}

// Match finds the registration for method and path. Candidates whose pattern
// matches the path are ordered most specific first: longer static prefix,
// then more static segments, then fewer wildcards. The first candidate that
// allows the method wins. If the path matches but no candidate allows the
// method, a *MethodNotAllowedError lists every allowed method.
func (m *Matcher) Match(method, path string) (Match, error) {
	method = strings.ToUpper(method)
	parts := splitPath(path)

	m.mu.RLock()
	type candidate struct {
		reg    Registration
		params map[string]string
	}
	var candidates []candidate
	for _, reg := range m.regs {
		if params, ok := matchSegments(reg.segments, parts); ok {
			candidates = append(candidates, candidate{reg: *reg, params: params})
		}
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return Match{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].reg, candidates[j].reg
		if pa, pb := a.staticPrefix(), b.staticPrefix(); pa != pb {
			return pa > pb
		}
		sa, wa := a.counts()
		sb, wb := b.counts()
		if sa != sb {
			return sa > sb
		}
		if wa != wb {
			return wa < wb
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	allowed := make(map[string]bool)
	for _, c := range candidates {
		if c.reg.allows(method) {
			return Match{Registration: c.reg, Params: c.params}, nil
		}
		for _, am := range c.reg.Methods {
			allowed[am] = true
		}
	}
	list := make([]string, 0, len(allowed))
	for am := range allowed {
		list = append(list, am)
	}
	sort.Strings(list)
	return Match{}, &MethodNotAllowedError{Method: method, Path: path, Allowed: list}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func matchSegments(segs []segment, parts []string) (map[string]string, bool) {
	params := make(map[string]string)
	for i, s := range segs {
		if s.kind == segWildcard {
			if i >= len(parts) {
				return nil, false
			}
			params[s.value] = strings.Join(parts[i:], "/")
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch s.kind {
		case segStatic:
			if parts[i] != s.value {
				return nil, false
			}
		case segParam:
			params[s.value] = parts[i]
		}
	}
	if len(parts) != len(segs) {
		return nil, false
	}
	return params, true
}
