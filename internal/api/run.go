package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aldcvd/deposition-core/internal/audit"
	"github.com/aldcvd/deposition-core/internal/recipe"
	"github.com/aldcvd/deposition-core/internal/sequencer"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// StartRequest is the body of POST /run. Exactly one of Recipe (a library
// name) or Document (an inline recipe) must be set.
type StartRequest struct {
	Recipe   string           `json:"recipe,omitempty"`
	Document *recipe.Document `json:"document,omitempty"`
}

// handleGetRun returns the current run state.
func (s *Server) handleGetRun(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleStartRun starts a library or inline recipe.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	var (
		state sequencer.RunState
		err   error
	)
	switch {
	case req.Recipe != "" && req.Document != nil:
		writeBadRequest(w, "set either recipe or document, not both")
		return
	case req.Recipe != "":
		state, err = s.ctrl.StartByName(r.Context(), req.Recipe)
	case req.Document != nil:
		rec, rerr := req.Document.Resolve(s.ctrl.Table().Bank())
		if rerr != nil {
			writeRunError(w, rerr, nil)
			return
		}
		state, err = s.ctrl.Start(r.Context(), rec)
	default:
		writeBadRequest(w, "recipe or document is required")
		return
	}

	s.recordCommand(r, "start", state.RunID, err, map[string]any{"recipe": recipeName(req)})
	if err != nil {
		s.logger.Warn("start rejected", "operator", operatorFromContext(r.Context()), "error", err)
		writeRunError(w, err, &state)
		return
	}
	s.logger.Info("run started via API",
		"operator", operatorFromContext(r.Context()),
		"run_id", state.RunID,
		"recipe", state.Recipe,
	)
	writeJSON(w, http.StatusAccepted, state)
}

// runCommand adapts a controller command into a handler.
func (s *Server) runCommand(action string, fn func(context.Context) (sequencer.RunState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := fn(r.Context())
		s.recordCommand(r, action, state.RunID, err, nil)
		if err != nil {
			s.logger.Warn("run command rejected",
				"action", action,
				"operator", operatorFromContext(r.Context()),
				"status", string(state.Status),
				"error", err,
			)
			writeRunError(w, err, &state)
			return
		}
		s.logger.Info("run command applied",
			"action", action,
			"operator", operatorFromContext(r.Context()),
			"status", string(state.Status),
		)
		writeJSON(w, http.StatusOK, state)
	}
}

func recipeName(req StartRequest) string {
	if req.Document != nil {
		return req.Document.Name
	}
	return req.Recipe
}

// recordCommand appends the command to the audit trail. Audit failures are
// logged and never fail the command.
func (s *Server) recordCommand(r *http.Request, action, runID string, cmdErr error, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := audit.Command(action, audit.SourceAPI, operatorFromContext(r.Context()), runID, cmdErr)
	entry.Details = details
	if err := s.audit.Create(context.WithoutCancel(r.Context()), entry); err != nil {
		s.logger.Warn("recording audit entry", "action", action, "error", err)
	}
}

// handleListAudit returns the operator command trail, newest first.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, audit.ListResult{Entries: []audit.Entry{}})
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		RunID:    q.Get("run_id"),
		Operator: q.Get("operator"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListRuns returns archived runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	runs, err := s.ctrl.History(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing runs", "error", err)
		writeInternalError(w, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRunRecord returns one archived run.
func (s *Server) handleGetRunRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRunError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
