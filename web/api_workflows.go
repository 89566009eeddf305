// ABOUTME: Workflow API handlers: CRUD, activation of webhook endpoints, manual runs, and linting.
// ABOUTME: Activation keeps the matcher and the stored active flag in step.
package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/trigger"
	"github.com/2389-research/flowline/workflow"
)

// workflowResponse pairs a workflow with its current webhook registrations.
type workflowResponse struct {
	*workflow.Workflow
	Triggers []trigger.Registration `json:"triggers,omitempty"`
}

// readWorkflow parses a YAML or JSON workflow from the request body. Fields
// that only appear in API responses are dropped before the strict decode.
func (s *Server) readWorkflow(w http.ResponseWriter, r *http.Request) (*workflow.Workflow, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if gjson.ValidBytes(body) {
		for _, field := range []string{"updatedAt", "triggers"} {
			if body, err = sjson.DeleteBytes(body, field); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return nil, false
			}
		}
	}
	wf, err := workflow.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return wf, true
}

func (s *Server) loadWorkflow(w http.ResponseWriter, r *http.Request) (*workflow.Workflow, bool) {
	id := chi.URLParam(r, "workflowID")
	wf, err := s.workflows.Get(id)
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow %s not found", id))
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return wf, true
}

func (s *Server) respondWorkflow(w http.ResponseWriter, status int, wf *workflow.Workflow) {
	resp := workflowResponse{Workflow: wf}
	for _, reg := range s.matcher.List() {
		if reg.WorkflowID == wf.ID {
			resp.Triggers = append(resp.Triggers, reg)
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	all, err := s.workflows.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if all == nil {
		all = []*workflow.Workflow{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.readWorkflow(w, r)
	if !ok {
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if _, err := s.workflows.Get(wf.ID); err == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("workflow %s already exists", wf.ID))
		return
	}
	// New workflows start inactive; endpoints are registered through /activate.
	wf.Active = false
	if err := s.workflows.Put(wf); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("component=web action=workflow_created workflow=%s nodes=%d", wf.ID, len(wf.Nodes))
	s.respondStored(w, http.StatusCreated, wf.ID)
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	s.respondWorkflow(w, http.StatusOK, wf)
}

// handleWorkflowPut replaces a workflow definition. The active flag is kept
// from the stored copy; an active workflow has its endpoints re-registered
// and the update is refused if they no longer register cleanly.
func (s *Server) handleWorkflowPut(w http.ResponseWriter, r *http.Request) {
	current, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	wf, ok := s.readWorkflow(w, r)
	if !ok {
		return
	}
	if wf.ID != "" && wf.ID != current.ID {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("body id %q does not match %q", wf.ID, current.ID))
		return
	}
	wf.ID = current.ID
	wf.Active = current.Active
	if wf.Active {
		if _, err := s.activate(wf); err != nil {
			writeActivationError(w, err)
			return
		}
	}
	if err := s.workflows.Put(wf); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("component=web action=workflow_updated workflow=%s active=%t", wf.ID, wf.Active)
	s.respondStored(w, http.StatusOK, wf.ID)
}

func (s *Server) handleWorkflowDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	if err := s.workflows.Delete(id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("workflow %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	removed := s.matcher.UnregisterWorkflow(id)
	log.Printf("component=web action=workflow_deleted workflow=%s triggers_removed=%d", id, removed)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkflowActivate(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	if _, err := s.activate(wf); err != nil {
		writeActivationError(w, err)
		return
	}
	if !wf.Active {
		wf.Active = true
		if err := s.workflows.Put(wf); err != nil {
			s.matcher.UnregisterWorkflow(wf.ID)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.respondStored(w, http.StatusOK, wf.ID)
}

func (s *Server) handleWorkflowDeactivate(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	removed := s.matcher.UnregisterWorkflow(wf.ID)
	if wf.Active {
		wf.Active = false
		if err := s.workflows.Put(wf); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	log.Printf("component=web action=workflow_deactivated workflow=%s triggers_removed=%d", wf.ID, removed)
	s.respondStored(w, http.StatusOK, wf.ID)
}

// activate validates the graph and replaces the workflow's registrations.
func (s *Server) activate(wf *workflow.Workflow) ([]trigger.Registration, error) {
	if _, err := s.service.Validate(wf); err != nil {
		return nil, err
	}
	regs, err := trigger.Reactivate(s.matcher, wf, s.service.Registry())
	if err != nil {
		return nil, err
	}
	log.Printf("component=web action=workflow_activated workflow=%s triggers=%d", wf.ID, len(regs))
	return regs, nil
}

func writeActivationError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       err.Error(),
			"diagnostics": verr.Diagnostics,
		})
	case errors.Is(err, trigger.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) respondStored(w http.ResponseWriter, status int, id string) {
	wf, err := s.workflows.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondWorkflow(w, status, wf)
}

// handleWorkflowRun starts a manual execution. The optional body is a JSON
// item or list of items. With ?wait=true the response carries the finished
// summary and outputs; otherwise it returns 202 with the execution id.
func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	items, err := parseItems(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := s.service.Start(r.Context(), wf, engine.StartRequest{
		Mode:     engine.ModeManual,
		Items:    items,
		TestMode: queryBool(r, "test"),
	})
	if err != nil {
		writeStartError(w, err)
		return
	}
	if !queryBool(r, "wait") {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"executionId": exec.ID(),
			"status":      exec.Status(),
			"startedAt":   exec.StartedAt().UTC().Format(time.RFC3339Nano),
		})
		return
	}
	if _, err := exec.Wait(r.Context()); err != nil && r.Context().Err() != nil {
		// Client gave up waiting; the execution continues in the background.
		return
	}
	writeJSON(w, http.StatusOK, executionDetail{
		Summary:      exec.Summary(),
		WorkflowName: wf.Name,
		Outputs:      exec.Outputs().Snapshot(),
	})
}

// parseItems accepts nothing, one JSON object, or a list of objects.
func parseItems(body []byte) (workflow.Items, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	switch res := gjson.ParseBytes(body); {
	case res.IsArray():
		var items workflow.Items
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("items must be a list of objects: %w", err)
		}
		return items, nil
	case res.IsObject():
		var item workflow.Item
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, fmt.Errorf("invalid item: %w", err)
		}
		return workflow.Items{item}, nil
	default:
		return nil, errors.New("body must be a JSON object or a list of objects")
	}
}

// handleWorkflowLint runs the structural and graph rules plus the node rules.
func (s *Server) handleWorkflowLint(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	diags := engine.Lint(wf, s.service.Registry(), s.cfg.LintRules...)
	if diags == nil {
		diags = []engine.Diagnostic{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       !engine.HasErrors(diags),
		"diagnostics": diags,
	})
}
