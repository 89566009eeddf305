// ABOUTME: Execution API handlers: listing, detail, cancellation, event queries, and the SSE event stream.
// ABOUTME: Live executions come from the engine; released ones fall back to the persisted history.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/store"
)

const defaultExecutionListLimit = 100

// executionDetail is the full view of one execution. Outputs is either the
// live output map or the JSON recorded in history.
type executionDetail struct {
	engine.Summary
	WorkflowName string `json:"workflowName,omitempty"`
	Outputs      any    `json:"outputs"`
}

func (s *Server) handleExecutionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		WorkflowID: q.Get("workflowId"),
		Status:     engine.Status(q.Get("status")),
		Limit:      queryInt(r, "limit", defaultExecutionListLimit),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		filter.Since = since
	}

	seen := make(map[string]bool)
	var out []engine.Summary
	for _, sum := range s.service.Executions() {
		if !summaryMatches(sum, filter) {
			continue
		}
		seen[sum.ID] = true
		out = append(out, sum)
	}
	if s.cfg.History != nil {
		recorded, err := s.cfg.History.ListExecutions(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, sum := range recorded {
			if !seen[sum.ID] {
				out = append(out, sum)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	if out == nil {
		out = []engine.Summary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func summaryMatches(sum engine.Summary, f store.ExecutionFilter) bool {
	if f.WorkflowID != "" && sum.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && sum.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && sum.StartedAt.Before(f.Since) {
		return false
	}
	return true
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	if exec, err := s.service.Execution(id); err == nil {
		writeJSON(w, http.StatusOK, executionDetail{
			Summary:      exec.Summary(),
			WorkflowName: exec.Graph().Workflow().Name,
			Outputs:      exec.Outputs().Snapshot(),
		})
		return
	}
	if s.cfg.History != nil {
		rec, err := s.cfg.History.GetExecution(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, executionDetail{
				Summary:      rec.Summary,
				WorkflowName: rec.WorkflowName,
				Outputs:      json.RawMessage(rec.Outputs),
			})
			return
		case !errors.Is(err, engine.ErrExecutionNotFound):
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	exec, err := s.service.Execution(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}
	exec.Cancel()
	log.Printf("component=web action=execution_cancel execution=%s", id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"executionId": id,
		"status":      exec.Status(),
	})
}

// parseEventFilter reads kind (comma separated), node, after, since, until,
// limit, and offset. The Last-Event-ID header also sets the starting sequence.
func parseEventFilter(r *http.Request) (engine.EventFilter, error) {
	q := r.URL.Query()
	var f engine.EventFilter
	if raw := q.Get("kind"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Kinds = append(f.Kinds, engine.EventKind(k))
			}
		}
	}
	f.NodeID = q.Get("node")
	after := q.Get("after")
	if after == "" {
		after = r.Header.Get("Last-Event-ID")
	}
	if after != "" {
		n, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid after: %w", err)
		}
		f.AfterSequence = n
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = &t
	}
	f.Limit = queryInt(r, "limit", 0)
	f.Offset = queryInt(r, "offset", 0)
	return f, nil
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	exec, err := s.service.Execution(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s has no retained events", id))
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if queryBool(r, "stream") {
		streamEvents(w, r, exec, filter)
		return
	}
	events := engine.QueryEvents(exec.Events(), filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": id,
		"events":      events,
		"dropped":     exec.Events().Dropped(),
	})
}

func (s *Server) handleExecutionEventSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	exec, err := s.service.Execution(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s has no retained events", id))
		return
	}
	writeJSON(w, http.StatusOK, engine.SummarizeEvents(exec.Events()))
}

// streamEvents writes server-sent events: the retained history first, then
// live events until the execution's channel closes or the client leaves.
// Limit and offset do not apply to streams.
func streamEvents(w http.ResponseWriter, r *http.Request, exec *engine.Execution, filter engine.EventFilter) {
	history, live, unsubscribe := exec.Events().Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	filter.Limit, filter.Offset = 0, 0
	var last uint64
	for _, evt := range engine.FilterEvents(history, filter) {
		if err := writeSSE(w, evt); err != nil {
			return
		}
		last = evt.Sequence
	}
	flush()

	for {
		select {
		case evt, ok := <-live:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flush()
				return
			}
			if evt.Sequence <= last || len(engine.FilterEvents([]engine.Event{evt}, filter)) == 0 {
				continue
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			last = evt.Sequence
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, evt engine.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Sequence, evt.Kind, data)
	return err
}

func (s *Server) handleTriggerList(w http.ResponseWriter, r *http.Request) {
	type triggerView struct {
		ID            string    `json:"id"`
		Pattern       string    `json:"pattern"`
		Methods       []string  `json:"methods"`
		WorkflowID    string    `json:"workflowId"`
		TriggerNodeID string    `json:"triggerNodeId"`
		Auth          string    `json:"auth"`
		CreatedAt     time.Time `json:"createdAt"`
	}
	regs := s.matcher.List()
	out := make([]triggerView, 0, len(regs))
	for _, reg := range regs {
		out = append(out, triggerView{
			ID:            reg.ID.String(),
			Pattern:       reg.Pattern,
			Methods:       reg.Methods,
			WorkflowID:    reg.WorkflowID,
			TriggerNodeID: reg.TriggerNodeID,
			Auth:          string(reg.AuthType()),
			CreatedAt:     reg.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
