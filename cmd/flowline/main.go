// ABOUTME: CLI entrypoint for flowline with run, validate, tui, and server modes.
// ABOUTME: Wires the engine service, node registry, SQLite store, HTTP server, tracing, and signal handling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/nodes"
	"github.com/2389-research/flowline/store"
	"github.com/2389-research/flowline/tui"
	"github.com/2389-research/flowline/web"
	"github.com/2389-research/flowline/workflow"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

// config holds all CLI configuration parsed from flags and positional arguments.
type config struct {
	serverMode   bool
	port         int
	addr         string
	validateOnly bool
	tuiMode      bool
	configFile   string
	dataDir      string
	workflowsDir string
	token        string
	maxActive    int
	input        string
	testMode     bool
	trace        bool
	verbose      bool
	showVersion  bool
	workflowFile string

	set map[string]bool
}

// isSet reports whether the named flag was given on the command line.
func (c config) isSet(name string) bool {
	return c.set[name]
}

func main() {
	loadDotEnvAuto()

	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if cfg.showVersion {
		fmt.Printf("flowline %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags(args []string, stderr io.Writer) (config, error) {
	cfg := config{set: map[string]bool{}}

	fs := flag.NewFlagSet("flowline", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start HTTP server mode")
	fs.IntVar(&cfg.port, "port", defaultPort, "Server port on 127.0.0.1")
	fs.StringVar(&cfg.addr, "addr", "", "Server listen address (overrides -port)")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Lint the workflow without running it")
	fs.BoolVar(&cfg.tuiMode, "tui", false, "Run with interactive terminal UI")
	fs.StringVar(&cfg.configFile, "config", "", "Settings file")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Database directory (default: $XDG_DATA_HOME/flowline)")
	fs.StringVar(&cfg.workflowsDir, "workflows", "", "Directory of workflow files to load in server mode")
	fs.StringVar(&cfg.token, "token", "", "Bearer token required on /api routes")
	fs.IntVar(&cfg.maxActive, "max-active", 0, "Concurrent execution limit")
	fs.StringVar(&cfg.input, "input", "", "Trigger items as JSON, or @file")
	fs.BoolVar(&cfg.testMode, "test", false, "Run in test mode")
	fs.BoolVar(&cfg.trace, "trace", false, "Log OpenTelemetry spans")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Print execution events to stderr")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(stderr, version)
	}

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })

	if fs.NArg() > 0 {
		cfg.workflowFile = fs.Arg(0)
	}
	return cfg, nil
}

// run dispatches to the appropriate mode based on the config.
// Returns an exit code: 0 for success, 1 for failure.
func run(cfg config) int {
	s, err := loadSettings(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if cfg.serverMode {
		return runServer(cfg, s)
	}

	if cfg.workflowFile == "" {
		printHelp(os.Stderr, version)
		return 0
	}

	if cfg.validateOnly {
		return validateWorkflow(cfg, os.Stdout, os.Stderr)
	}

	if cfg.tuiMode {
		return runWithTUI(cfg, s)
	}

	return runOnce(cfg, s, os.Stdout)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func newRegistry() *engine.Registry {
	return nodes.NewRegistry(nodes.Options{Getenv: os.Getenv})
}

// openStore opens the database in the resolved data dir.
func openStore(s settings) (*store.Store, error) {
	dir, err := resolveDataDir(s.DataDir)
	if err != nil {
		return nil, err
	}
	return store.Open(filepath.Join(dir, databaseFile))
}

// readInput parses -input: a JSON object, a list of objects, or @path to a file holding either.
func readInput(raw string) (workflow.Items, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = os.ReadFile(raw[1:]); err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("input is not JSON: %w", err)
	}
	switch v.(type) {
	case map[string]any, []any:
		return workflow.ItemsFromValue(v), nil
	default:
		return nil, errors.New("input must be a JSON object or a list of objects")
	}
}

// runOnce executes the workflow file once and prints the execution record as JSON.
func runOnce(cfg config, s settings, stdout io.Writer) int {
	wf, err := workflow.ParseFile(cfg.workflowFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	items, err := readInput(cfg.input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	tp, shutdownTracing, err := newTracerProvider(ctx, s.Tracing)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: tracing: %v\n", err)
		return 1
	}
	defer flush(shutdownTracing)

	svcCfg := engine.Config{Registry: newRegistry(), Limits: s.Limits, TracerProvider: tp}
	if cfg.verbose {
		svcCfg.OnEvent = verboseEventHandler(os.Stderr)
	}
	if st, err := openStore(s); err != nil {
		fmt.Fprintf(os.Stderr, "warning: execution history disabled: %v\n", err)
	} else {
		defer st.Close()
		svcCfg.Recorder = st
	}
	svc := engine.NewService(svcCfg)
	defer flush(svc.Shutdown)

	exec, runErr := svc.Run(ctx, wf, engine.StartRequest{
		Mode:     engine.ModeManual,
		Items:    items,
		TestMode: cfg.testMode,
	})
	if exec == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return 1
	}

	out, err := json.MarshalIndent(engine.ExecutionRecord{
		Summary:      exec.Summary(),
		WorkflowName: wf.Name,
		Outputs:      exec.Outputs().Snapshot(),
	}, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))

	if exec.Status() != engine.StatusCompleted {
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		}
		return 1
	}
	return 0
}

// runWithTUI executes the workflow file through the Bubble Tea dashboard.
func runWithTUI(cfg config, s settings) int {
	wf, err := workflow.ParseFile(cfg.workflowFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	items, err := readInput(cfg.input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Log lines would tear the alt screen.
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	svc := engine.NewService(engine.Config{Registry: newRegistry(), Limits: s.Limits})
	defer flush(svc.Shutdown)

	graph, err := svc.Validate(wf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := tui.NewAppModel(ctx, svc, wf, graph, engine.StartRequest{
		Mode:     engine.ModeManual,
		Items:    items,
		TestMode: cfg.testMode,
	})
	final, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if app, ok := final.(tui.AppModel); ok {
		if sum, done := app.Summary(); done {
			fmt.Printf("Execution %s %s\n", sum.ID, sum.Status)
			if sum.Status != engine.StatusCompleted {
				return 1
			}
		}
	}
	return 0
}

// runServer loads workflows, activates their webhooks, and serves until interrupted.
func runServer(cfg config, s settings) int {
	st, err := openStore(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	if s.Workflows != "" {
		loaded, err := workflow.LoadDir(st, s.Workflows)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		log.Printf("component=cli action=workflows_loaded dir=%s count=%d", s.Workflows, len(loaded))
	}

	ctx, cancel := signalContext()
	defer cancel()

	tp, shutdownTracing, err := newTracerProvider(ctx, s.Tracing)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: tracing: %v\n", err)
		return 1
	}
	defer flush(shutdownTracing)

	svcCfg := engine.Config{
		Registry:       newRegistry(),
		Limits:         s.Limits,
		Recorder:       st,
		TracerProvider: tp,
	}
	if cfg.verbose {
		svcCfg.OnEvent = verboseEventHandler(os.Stderr)
	}
	svc := engine.NewService(svcCfg)

	server, err := web.NewServer(web.Config{
		Addr:                   s.Server.Addr,
		Service:                svc,
		Workflows:              st,
		History:                st,
		LintRules:              nodes.LintRules(),
		WebhookResponseTimeout: s.Server.WebhookResponseTimeout,
		MaxBodyBytes:           s.Server.MaxBodyBytes,
		Token:                  s.Server.Token,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	activated, err := server.ActivateStored()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	log.Printf("component=cli action=activated workflows=%d triggers=%d", activated, server.Matcher().Len())

	go pruneHistory(ctx, st, s.History)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	fmt.Fprintf(os.Stderr, "listening on %s\n", s.Server.Addr)

	code := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			code = 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("component=cli action=http_shutdown err=%v", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("component=cli action=engine_shutdown err=%v", err)
	}
	return code
}

// historyPruner is the part of the store that trims execution history.
type historyPruner interface {
	PruneExecutions(ctx context.Context, opts store.PruneOptions) (int64, error)
}

// pruneHistory trims execution history on every interval until ctx ends.
func pruneHistory(ctx context.Context, p historyPruner, h historySettings) {
	if h.PruneInterval <= 0 || (h.MaxAge <= 0 && h.MaxCount <= 0) {
		return
	}
	ticker := time.NewTicker(h.PruneInterval)
	defer ticker.Stop()
	for {
		pruneOnce(ctx, p, h)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneOnce(ctx context.Context, p historyPruner, h historySettings) {
	n, err := p.PruneExecutions(ctx, store.PruneOptions{MaxAge: h.MaxAge, MaxCount: h.MaxCount})
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("component=cli action=prune_failed err=%v", err)
		}
		return
	}
	if n > 0 {
		log.Printf("component=cli action=pruned executions=%d", n)
	}
}

// validateWorkflow lints a workflow file without executing it.
func validateWorkflow(cfg config, stdout, stderr io.Writer) int {
	wf, err := workflow.ParseFile(cfg.workflowFile)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	diags := engine.Lint(wf, newRegistry(), nodes.LintRules()...)
	for _, d := range diags {
		fmt.Fprintf(stderr, "[%s] %s: %s", d.Severity, d.Rule, d.Message)
		if d.NodeID != "" {
			fmt.Fprintf(stderr, " (node: %s)", d.NodeID)
		}
		if d.Fix != "" {
			fmt.Fprintf(stderr, " -- fix: %s", d.Fix)
		}
		fmt.Fprintln(stderr)
	}

	if engine.HasErrors(diags) {
		fmt.Fprintln(stderr, "Validation failed.")
		return 1
	}
	fmt.Fprintln(stdout, "Workflow is valid.")
	return 0
}

// verboseEventHandler prints execution events to w.
func verboseEventHandler(w io.Writer) func(engine.Event) {
	return func(evt engine.Event) {
		scope := "node " + evt.NodeID
		if evt.ExecutionLevel() {
			scope = "execution"
		}
		switch evt.Kind {
		case engine.EventFailed:
			fmt.Fprintf(w, "[%s] %s failed: %v\n", evt.ExecutionID, scope, errorMessage(evt.Payload))
		case engine.EventSkipped:
			fmt.Fprintf(w, "[%s] %s skipped (%v)\n", evt.ExecutionID, scope, evt.Payload["reason"])
		case engine.EventRetrying:
			fmt.Fprintf(w, "[%s] %s retrying (attempt %v)\n", evt.ExecutionID, scope, evt.Payload["attempt"])
		case engine.EventCompleted:
			if items, ok := evt.Payload["items"]; ok {
				fmt.Fprintf(w, "[%s] %s completed (%v items)\n", evt.ExecutionID, scope, items)
				return
			}
			fmt.Fprintf(w, "[%s] %s completed\n", evt.ExecutionID, scope)
		default:
			fmt.Fprintf(w, "[%s] %s %s\n", evt.ExecutionID, scope, evt.Kind)
		}
	}
}

func errorMessage(payload map[string]any) any {
	if e, ok := payload["error"].(map[string]any); ok {
		return e["message"]
	}
	return "unknown error"
}

// flush runs a shutdown hook with a bounded timeout.
func flush(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("component=cli action=shutdown err=%v", err)
	}
}
