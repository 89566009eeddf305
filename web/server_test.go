// ABOUTME: Test harness for the flowline HTTP server plus health, routing, and token auth tests.
// ABOUTME: Handlers run against a real engine service and the built-in node registry.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/nodes"
	"github.com/2389-research/flowline/workflow"
)

type harness struct {
	srv  *Server
	svc  *engine.Service
	repo *workflow.MemoryRepository
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	reg := nodes.NewRegistry(nodes.Options{Getenv: func(string) string { return "" }})
	cfg := Config{
		Service:   engine.NewService(engine.Config{Registry: reg}),
		Workflows: workflow.NewMemoryRepository(),
		LintRules: nodes.LintRules(),
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cfg.Service.Shutdown(ctx)
	})
	return &harness{srv: srv, svc: cfg.Service, repo: cfg.Workflows.(*workflow.MemoryRepository)}
}

func (h *harness) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

// install stores wf and activates its webhook endpoints.
func (h *harness) install(t *testing.T, wf *workflow.Workflow) {
	t.Helper()
	if err := h.repo.Put(wf); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec := h.do(t, http.MethodPost, "/api/workflows/"+wf.ID+"/activate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activate %s: status %d body %s", wf.ID, rec.Code, rec.Body.String())
	}
}

// finished waits for an execution reported by the server to settle.
func (h *harness) finished(t *testing.T, id string) *engine.Execution {
	t.Helper()
	exec, err := h.svc.Execution(id)
	if err != nil {
		t.Fatalf("Execution(%s): %v", id, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := exec.Wait(ctx); err != nil && ctx.Err() != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return exec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func node(id, typ string, params map[string]any) workflow.Node {
	return workflow.Node{ID: id, Type: typ, Parameters: params}
}

func edge(src, tgt string) workflow.Connection {
	return workflow.Connection{Source: src, Target: tgt}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without a service")
	}
	svc := engine.NewService(engine.Config{})
	if _, err := NewServer(Config{Service: svc}); err == nil {
		t.Error("expected error without a workflow repository")
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["activeExecutions"] != float64(0) {
		t.Errorf("activeExecutions = %v", body["activeExecutions"])
	}
}

func TestTokenAuthProtectsAPIOnly(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Token = "s3cret" })
	h.repo.Put(&workflow.Workflow{
		ID:    "hook",
		Nodes: []workflow.Node{node("in", "webhook", map[string]any{"path": "open"})},
	})

	if rec := h.do(t, http.MethodGet, "/api/workflows", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/workflows", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d, want 401", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/workflows", "", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Errorf("valid token: status %d, want 200", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health: status %d, want 200", rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/workflows/hook/activate", "", "Authorization", "Bearer s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, http.MethodPost, "/webhook/open", `{}`); rec.Code != http.StatusOK {
		t.Errorf("webhook should not need the API token: status %d", rec.Code)
	}
}

func TestActivateStored(t *testing.T) {
	h := newHarness(t)
	h.repo.Put(&workflow.Workflow{
		ID: "on", Active: true,
		Nodes: []workflow.Node{node("in", "webhook", map[string]any{"path": "a"})},
	})
	h.repo.Put(&workflow.Workflow{
		ID: "off",
		Nodes: []workflow.Node{node("in", "webhook", map[string]any{"path": "b"})},
	})
	h.repo.Put(&workflow.Workflow{
		ID: "broken", Active: true,
		Nodes: []workflow.Node{node("in", "webhook", map[string]any{"path": "a"})},
	})

	n, err := h.srv.ActivateStored()
	if n != 1 {
		t.Errorf("activated = %d, want 1", n)
	}
	if err == nil {
		t.Error("expected the conflicting workflow to be reported")
	}
	if got := h.srv.Matcher().Len(); got != 1 {
		t.Errorf("registrations = %d, want 1", got)
	}
}
