package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sudocode-ai/sudocode/internal/ids"
	"github.com/sudocode-ai/sudocode/internal/store"
	"github.com/sudocode-ai/sudocode/internal/workflow"
)

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	wf, err := s.deps.Engine.Create(r.Context(), workflow.CreateRequest{
		Title:      req.Title,
		Source:     req.Source,
		Config:     req.Config,
		BaseBranch: req.BaseBranch,
	})
	if err != nil {
		var cycleErr *workflow.CycleError
		if errors.As(err, &cycleErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  cycleErr.Error(),
				"cycles": cycleErr.Cycles,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.AutoStart {
		if err := s.deps.Engine.Start(r.Context(), wf.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Store.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleWorkflowEvents streams workflow-scoped events (status changes,
// step lifecycle) over SSE.
func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	fromSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_seq must be an integer")
			return
		}
		fromSeq = n
	}
	s.deps.SSE.ServeHTTP(w, r, ids.NewUUID(), wf.ID, fromSeq)
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowControl(w, r, s.deps.Engine.Start, "started")
}

func (s *Server) handlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowControl(w, r, s.deps.Engine.Pause, "pausing")
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowControl(w, r, s.deps.Engine.Resume, "resumed")
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowControl(w, r, s.deps.Engine.Cancel, "canceling")
}

func (s *Server) handleAppendStep(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	var req AppendStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.IssueID == "" {
		writeError(w, http.StatusBadRequest, "issue_id is required")
		return
	}
	step, err := s.deps.Engine.AppendStep(r.Context(), wf.ID, req.IssueID, req.Dependencies)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	stepID := r.PathValue("stepId")
	if err := s.deps.Engine.RetryStep(r.Context(), wf.ID, stepID); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

func (s *Server) handleSkipStep(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	stepID := r.PathValue("stepId")
	if err := s.deps.Engine.SkipStep(r.Context(), wf.ID, stepID); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
}

func (s *Server) workflowControl(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, workflowID string) error, status string) {
	wf, ok := s.lookupWorkflow(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), wf.ID); err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) lookupWorkflow(w http.ResponseWriter, r *http.Request) (*store.Workflow, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow id is required")
		return nil, false
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("workflow %s not found", id))
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return wf, true
}

func writeWorkflowError(w http.ResponseWriter, err error) {
	var stateErr *workflow.StateError
	var notFound *workflow.StepNotFoundError
	var cycleErr *workflow.CycleError
	switch {
	case errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cycleErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
