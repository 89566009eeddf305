// ABOUTME: Tests for the flowline CLI entrypoint covering flag parsing, input decoding,
// ABOUTME: workflow validation, run-once execution, verbose events, and history pruning.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/store"
)

const routingWorkflow = `
id: orders
name: Order routing
nodes:
  - id: start
    type: manualTrigger
  - id: check
    type: if
    parameters:
      condition: "qty > 2"
  - id: big
    type: set
    parameters:
      values:
        review: true
  - id: small
    type: noOp
connections:
  - source: start
    target: check
  - source: check
    sourceOutput: "true"
    target: big
  - source: check
    sourceOutput: "false"
    target: small
`

const brokenWorkflow = `
id: broken
nodes:
  - id: start
    type: manualTrigger
  - id: mystery
    type: doesNotExist
connections:
  - source: start
    target: mystery
`

const failingWorkflow = `
id: fails
nodes:
  - id: start
    type: manualTrigger
  - id: stop
    type: stopAndError
    parameters:
      message: boom
connections:
  - source: start
    target: stop
`

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// isolate points every XDG lookup at a temp dir so tests never read a real config.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	return dir
}

// --- parseFlags ---

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags([]string{"workflow.yaml"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.serverMode || cfg.validateOnly || cfg.tuiMode || cfg.verbose || cfg.testMode {
		t.Errorf("expected all modes off by default, got %+v", cfg)
	}
	if cfg.port != defaultPort {
		t.Errorf("expected default port %d, got %d", defaultPort, cfg.port)
	}
	if cfg.workflowFile != "workflow.yaml" {
		t.Errorf("expected workflowFile=workflow.yaml, got %q", cfg.workflowFile)
	}
	if cfg.isSet("port") {
		t.Error("port should not count as set when left at its default")
	}
}

func TestParseFlagsServerMode(t *testing.T) {
	cfg, err := parseFlags([]string{"-server", "-port", "9000", "-token", "s3cret", "-max-active", "4"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !cfg.serverMode {
		t.Error("expected serverMode")
	}
	if cfg.port != 9000 || !cfg.isSet("port") {
		t.Errorf("expected explicit port 9000, got %d (set=%v)", cfg.port, cfg.isSet("port"))
	}
	if cfg.token != "s3cret" || cfg.maxActive != 4 {
		t.Errorf("unexpected token/maxActive: %q %d", cfg.token, cfg.maxActive)
	}
	if cfg.workflowFile != "" {
		t.Errorf("expected no workflow file, got %q", cfg.workflowFile)
	}
}

func TestParseFlagsRunOptions(t *testing.T) {
	cfg, err := parseFlags([]string{"-input", `{"qty":3}`, "-test", "-verbose", "orders.yaml"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.input != `{"qty":3}` || !cfg.testMode || !cfg.verbose {
		t.Errorf("unexpected run options: %+v", cfg)
	}
}

func TestParseFlagsHelp(t *testing.T) {
	var buf bytes.Buffer
	_, err := parseFlags([]string{"-help"}, &buf)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	if !strings.Contains(buf.String(), "Usage:") {
		t.Errorf("expected help output, got %q", buf.String())
	}
}

func TestParseFlagsUnknown(t *testing.T) {
	if _, err := parseFlags([]string{"-bogus"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

// --- readInput ---

func TestReadInput(t *testing.T) {
	items, err := readInput(`{"qty": 3}`)
	if err != nil {
		t.Fatalf("readInput object: %v", err)
	}
	if len(items) != 1 || items[0]["qty"] != float64(3) {
		t.Errorf("unexpected items from object: %+v", items)
	}

	items, err = readInput(`[{"a": 1}, {"a": 2}]`)
	if err != nil {
		t.Fatalf("readInput list: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}

	if items, err := readInput("  "); err != nil || items != nil {
		t.Errorf("expected nil items for empty input, got %v %v", items, err)
	}
}

func TestReadInputFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	if err := os.WriteFile(path, []byte(`[{"qty": 5}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	items, err := readInput("@" + path)
	if err != nil {
		t.Fatalf("readInput: %v", err)
	}
	if len(items) != 1 || items[0]["qty"] != float64(5) {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestReadInputRejects(t *testing.T) {
	for _, raw := range []string{"not json", "42", `"text"`, "@/does/not/exist.json"} {
		if _, err := readInput(raw); err == nil {
			t.Errorf("readInput(%q): expected error", raw)
		}
	}
}

// --- validateWorkflow ---

func TestValidateWorkflowValid(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := validateWorkflow(config{workflowFile: writeWorkflow(t, routingWorkflow)}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Workflow is valid.") {
		t.Errorf("unexpected stdout: %q", stdout.String())
	}
}

func TestValidateWorkflowUnknownType(t *testing.T) {
	isolate(t)
	var stdout, stderr bytes.Buffer
	code := validateWorkflow(config{workflowFile: writeWorkflow(t, brokenWorkflow)}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	out := stderr.String()
	if !strings.Contains(out, "mystery") || !strings.Contains(out, "Validation failed.") {
		t.Errorf("expected diagnostic naming the node, got %q", out)
	}
}

func TestValidateWorkflowMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := validateWorkflow(config{workflowFile: "/does/not/exist.yaml"}, &stdout, &stderr); code != 1 {
		t.Errorf("expected exit 1, got %d", code)
	}
}

// --- runOnce ---

func runOnceSettings(t *testing.T) settings {
	t.Helper()
	dir := isolate(t)
	s := defaultSettings()
	s.DataDir = filepath.Join(dir, "db")
	return s
}

func TestRunOnceRoutesItems(t *testing.T) {
	s := runOnceSettings(t)
	cfg := config{workflowFile: writeWorkflow(t, routingWorkflow), input: `{"qty": 5}`}

	var stdout bytes.Buffer
	if code := runOnce(cfg, s, &stdout); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	var rec engine.ExecutionRecord
	if err := json.Unmarshal(stdout.Bytes(), &rec); err != nil {
		t.Fatalf("output is not an execution record: %v\n%s", err, stdout.String())
	}
	if rec.Status != engine.StatusCompleted {
		t.Errorf("expected completed, got %s", rec.Status)
	}
	if rec.WorkflowName != "Order routing" {
		t.Errorf("expected workflow name in record, got %q", rec.WorkflowName)
	}
	if got := rec.Nodes["big"].Status; got != engine.NodeSucceeded {
		t.Errorf("expected big to succeed, got %s", got)
	}
	if got := rec.Nodes["small"].Status; got != engine.NodeSkipped {
		t.Errorf("expected small to be skipped, got %s", got)
	}
}

func TestRunOnceRecordsHistory(t *testing.T) {
	s := runOnceSettings(t)
	cfg := config{workflowFile: writeWorkflow(t, routingWorkflow), input: `{"qty": 1}`}
	if code := runOnce(cfg, s, io.Discard); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	st, err := store.Open(filepath.Join(s.DataDir, databaseFile))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	recs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(recs) != 1 || recs[0].WorkflowID != "orders" {
		t.Errorf("expected one recorded execution of orders, got %+v", recs)
	}
}

func TestRunOnceFailureExitCode(t *testing.T) {
	s := runOnceSettings(t)
	cfg := config{workflowFile: writeWorkflow(t, failingWorkflow)}

	var stdout bytes.Buffer
	if code := runOnce(cfg, s, &stdout); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), `"failed"`) {
		t.Errorf("expected failed record on stdout, got %q", stdout.String())
	}
}

func TestRunOnceBadInput(t *testing.T) {
	s := runOnceSettings(t)
	cfg := config{workflowFile: writeWorkflow(t, routingWorkflow), input: "nope"}
	if code := runOnce(cfg, s, io.Discard); code != 1 {
		t.Errorf("expected exit 1, got %d", code)
	}
}

func TestRunOnceInvalidWorkflow(t *testing.T) {
	s := runOnceSettings(t)
	cfg := config{workflowFile: writeWorkflow(t, brokenWorkflow)}
	if code := runOnce(cfg, s, io.Discard); code != 1 {
		t.Errorf("expected exit 1, got %d", code)
	}
}

// --- verboseEventHandler ---

func TestVerboseEventHandler(t *testing.T) {
	var buf bytes.Buffer
	h := verboseEventHandler(&buf)

	h(engine.Event{ExecutionID: "e1", Kind: engine.EventStarted})
	h(engine.Event{ExecutionID: "e1", NodeID: "a", Kind: engine.EventCompleted, Payload: map[string]any{"items": 2}})
	h(engine.Event{ExecutionID: "e1", NodeID: "b", Kind: engine.EventFailed, Payload: map[string]any{
		"error": map[string]any{"message": "boom"},
	}})
	h(engine.Event{ExecutionID: "e1", NodeID: "c", Kind: engine.EventSkipped, Payload: map[string]any{"reason": "noData"}})

	out := buf.String()
	for _, want := range []string{
		"[e1] execution started",
		"[e1] node a completed (2 items)",
		"[e1] node b failed: boom",
		"[e1] node c skipped (noData)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

// --- pruneHistory ---

type fakePruner struct {
	mu    sync.Mutex
	calls []store.PruneOptions
	err   error
}

func (f *fakePruner) PruneExecutions(_ context.Context, opts store.PruneOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	return 3, f.err
}

func (f *fakePruner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestPruneHistoryRunsImmediately(t *testing.T) {
	p := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pruneHistory(ctx, p, historySettings{MaxAge: time.Hour, MaxCount: 10, PruneInterval: time.Hour})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if p.count() != 1 {
		t.Fatalf("expected one prune before the first tick, got %d", p.count())
	}
	if got := p.calls[0]; got.MaxAge != time.Hour || got.MaxCount != 10 {
		t.Errorf("unexpected prune options: %+v", got)
	}
}

func TestPruneHistoryDisabled(t *testing.T) {
	p := &fakePruner{}
	pruneHistory(context.Background(), p, historySettings{MaxAge: time.Hour, PruneInterval: 0})
	pruneHistory(context.Background(), p, historySettings{PruneInterval: time.Minute})
	if p.count() != 0 {
		t.Errorf("expected no prune calls, got %d", p.count())
	}
}

func TestPruneOnceSurvivesError(t *testing.T) {
	p := &fakePruner{err: errors.New("disk full")}
	pruneOnce(context.Background(), p, historySettings{MaxCount: 1})
	if p.count() != 1 {
		t.Errorf("expected one call, got %d", p.count())
	}
}
