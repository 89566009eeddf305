// ABOUTME: flowline HTTP server: webhook ingress plus the workflow, execution, and trigger API
// ABOUTME: behind a single chi router with request logging, panic recovery, and optional token auth.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/store"
	"github.com/2389-research/flowline/trigger"
	"github.com/2389-research/flowline/workflow"
)

const (
	defaultAddr                   = "127.0.0.1:5678"
	defaultWebhookResponseTimeout = 30 * time.Second
	defaultMaxBodyBytes           = 10 << 20
)

// History is the persisted execution log consulted once an execution is no
// longer retained in memory. *store.Store implements it.
type History interface {
	ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]engine.Summary, error)
	GetExecution(ctx context.Context, id string) (*store.StoredExecution, error)
}

// Config wires a Server.
type Config struct {
	Addr      string
	Service   *engine.Service
	Workflows workflow.Repository
	Matcher   *trigger.Matcher
	// History, when set, serves executions that were released from memory.
	History History
	// LintRules are added to the structural rules for the lint endpoint.
	LintRules []engine.LintRule
	// WebhookResponseTimeout bounds how long a webhook request waits for a
	// response producer before the default acknowledgement is sent.
	WebhookResponseTimeout time.Duration
	MaxBodyBytes           int64
	// Token, when set, is required as a bearer token on /api routes.
	Token string
}

// Server is the flowline HTTP server.
type Server struct {
	cfg       Config
	service   *engine.Service
	workflows workflow.Repository
	matcher   *trigger.Matcher
	router    chi.Router
	http      *http.Server
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("service must not be nil")
	}
	if cfg.Workflows == nil {
		return nil, errors.New("workflow repository must not be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Matcher == nil {
		cfg.Matcher = trigger.NewMatcher()
	}
	if cfg.WebhookResponseTimeout <= 0 {
		cfg.WebhookResponseTimeout = defaultWebhookResponseTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		cfg:       cfg,
		service:   cfg.Service,
		workflows: cfg.Workflows,
		matcher:   cfg.Matcher,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Matcher returns the webhook registry the server routes against.
func (s *Server) Matcher() *trigger.Matcher { return s.matcher }

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured address with
// timeouts that keep slow clients from holding connections. The write
// timeout leaves room for event streams and waiting webhook callers.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	log.Printf("component=web action=listen addr=%s", s.cfg.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ActivateStored registers the webhook endpoints of every stored workflow
// marked active. Failures are logged and joined into the returned error;
// the other workflows stay registered.
func (s *Server) ActivateStored() (int, error) {
	all, err := s.workflows.List()
	if err != nil {
		return 0, fmt.Errorf("list workflows: %w", err)
	}
	var (
		activated int
		errs      []error
	)
	for _, wf := range all {
		if !wf.Active {
			continue
		}
		if _, err := s.activate(wf); err != nil {
			log.Printf("component=web action=activate_failed workflow=%s err=%v", wf.ID, err)
			errs = append(errs, err)
			continue
		}
		activated++
	}
	return activated, errors.Join(errs...)
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(webRequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.HandleFunc("/webhook/*", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		if s.cfg.Token != "" {
			r.Use(tokenAuth(s.cfg.Token))
		}
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleWorkflowList)
			r.Post("/", s.handleWorkflowCreate)
			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", s.handleWorkflowGet)
				r.Put("/", s.handleWorkflowPut)
				r.Delete("/", s.handleWorkflowDelete)
				r.Post("/activate", s.handleWorkflowActivate)
				r.Post("/deactivate", s.handleWorkflowDeactivate)
				r.Post("/run", s.handleWorkflowRun)
				r.Get("/lint", s.handleWorkflowLint)
			})
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleExecutionList)
			r.Route("/{executionID}", func(r chi.Router) {
				r.Get("/", s.handleExecutionGet)
				r.Get("/events", s.handleExecutionEvents)
				r.Get("/events/summary", s.handleExecutionEventSummary)
				r.Post("/cancel", s.handleExecutionCancel)
			})
		})
		r.Get("/triggers", s.handleTriggerList)
	})

	return r
}

// handleHealth reports liveness plus engine occupancy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gov := s.service.Governor()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"activeExecutions":   gov.ActiveCount(),
		"retainedExecutions": gov.RetainedCount(),
		"triggers":           s.matcher.Len(),
	})
}
