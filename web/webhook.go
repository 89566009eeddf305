// ABOUTME: Webhook ingress: matches /webhook/* requests to registered triggers and starts executions.
// ABOUTME: Maps matcher and admission failures to HTTP statuses and relays response-producer output.
package web

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/nodes"
	"github.com/2389-research/flowline/trigger"
	"github.com/2389-research/flowline/workflow"
)

// retryAfterSeconds is sent with 503 responses when the engine is at capacity.
const retryAfterSeconds = "1"

// webhookAck is the default body returned when no node produces a response.
type webhookAck struct {
	Success     bool      `json:"success"`
	ExecutionID string    `json:"executionId"`
	TestMode    bool      `json:"testMode"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	match, err := s.matcher.Match(r.Method, path)
	if err != nil {
		var notAllowed *trigger.MethodNotAllowedError
		switch {
		case errors.As(err, &notAllowed):
			w.Header().Set("Allow", strings.Join(notAllowed.Allowed, ", "))
			writeError(w, http.StatusMethodNotAllowed, err.Error())
		case errors.Is(err, trigger.ErrNotFound):
			writeError(w, http.StatusNotFound, "webhook not registered")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	reg := match.Registration

	if err := reg.Auth.Check(r); err != nil {
		if reg.AuthType() == trigger.AuthBasic {
			w.Header().Set("WWW-Authenticate", `Basic realm="webhook"`)
		}
		writeError(w, http.StatusUnauthorized, "authorization failed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	wf, err := s.workflows.Get(reg.WorkflowID)
	if err != nil {
		// A registration outliving its workflow means the workflow was
		// removed behind the server's back; drop the stale endpoints.
		if errors.Is(err, workflow.ErrNotFound) {
			s.matcher.UnregisterWorkflow(reg.WorkflowID)
			writeError(w, http.StatusNotFound, "webhook not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	testMode := queryBool(r, "test") || queryBool(r, "visualize")
	exec, err := s.service.Start(r.Context(), wf, engine.StartRequest{
		Mode:          engine.ModeWebhook,
		TriggerNodeID: reg.TriggerNodeID,
		Items:         workflow.Items{nodes.RequestItem(r, body, match.Params)},
		TestMode:      testMode,
	})
	if err != nil {
		writeStartError(w, err)
		return
	}
	log.Printf("component=web action=webhook_started workflow=%s execution=%s trigger=%s test=%t",
		wf.ID, exec.ID(), reg.TriggerNodeID, testMode)

	if !exec.Graph().HasCapability(engine.CapResponseProducer) {
		writeAck(w, exec)
		return
	}
	s.awaitWebhookResponse(w, r, exec)
}

// awaitWebhookResponse relays the producer's response. If the execution ends
// without responding, a failed run maps to 500 and anything else to the
// default acknowledgement. The acknowledgement is also sent when the wait
// times out; the execution keeps running.
func (s *Server) awaitWebhookResponse(w http.ResponseWriter, r *http.Request, exec *engine.Execution) {
	timer := time.NewTimer(s.cfg.WebhookResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-exec.Response():
		writeWebhookResponse(w, resp)
	case <-exec.Done():
		select {
		case resp := <-exec.Response():
			writeWebhookResponse(w, resp)
			return
		default:
		}
		if exec.Status() == engine.StatusFailed {
			msg := "workflow execution failed"
			if err := exec.Err(); err != nil {
				msg = err.Error()
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":       msg,
				"executionId": exec.ID(),
			})
			return
		}
		writeAck(w, exec)
	case <-timer.C:
		log.Printf("component=web action=webhook_response_timeout execution=%s timeout=%s",
			exec.ID(), s.cfg.WebhookResponseTimeout)
		writeAck(w, exec)
	case <-r.Context().Done():
		// Caller went away; the execution keeps running.
	}
}

func writeAck(w http.ResponseWriter, exec *engine.Execution) {
	writeJSON(w, http.StatusOK, webhookAck{
		Success:     true,
		ExecutionID: exec.ID(),
		TestMode:    exec.TestMode(),
		Timestamp:   time.Now().UTC(),
	})
}

func writeWebhookResponse(w http.ResponseWriter, resp engine.WebhookResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	for _, c := range resp.Cookies {
		http.SetCookie(w, c)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			log.Printf("component=web action=webhook_write_failed err=%v", err)
		}
	}
}

// writeStartError maps admission and validation failures to HTTP statuses.
func writeStartError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.Is(err, engine.ErrTooManyExecutions), errors.Is(err, engine.ErrShuttingDown):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       err.Error(),
			"diagnostics": verr.Diagnostics,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
