package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sudocode-ai/sudocode/internal/agent"
	"github.com/sudocode-ai/sudocode/internal/ids"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// validID matches ULIDs, UUIDs, and other safe identifiers.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running, err := s.deps.Store.ListExecutions(r.Context(), store.ExecRunning)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"running_executions": len(running),
	})
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req CreateExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	agentType := strings.TrimSpace(req.AgentType)
	if agentType == "" {
		agentType = "claude"
	}

	executionID := strings.TrimSpace(req.ExecutionID)
	if executionID == "" {
		executionID = ids.NewExecutionID()
	}
	if !validID.MatchString(executionID) {
		writeError(w, http.StatusBadRequest, "execution id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	var rawConfig json.RawMessage
	if req.Config != nil {
		rawConfig, _ = json.Marshal(req.Config)
	}
	exec := &store.Execution{
		ID:            executionID,
		IssueID:       req.IssueID,
		WorkspacePath: req.WorkDir,
		Config:        rawConfig,
	}
	if err := s.deps.Store.CreateExecution(r.Context(), exec); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	task := agent.Task{Prompt: req.Prompt, WorkDir: req.WorkDir, Config: req.Config}
	go func() {
		if err := s.deps.Runner.Execute(s.baseCtx, executionID, agentType, task); err != nil {
			s.logger.Printf("execution %s: %v", executionID, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"execution_id": executionID,
		"status":       "accepted",
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	status := store.ExecutionStatus(r.URL.Query().Get("status"))
	execs, err := s.deps.Store.ListExecutions(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleExecutionEvents streams the execution's AG-UI events over SSE,
// replaying from ?from_seq and following live output.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
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
	s.deps.SSE.ServeHTTP(w, r, ids.NewUUID(), exec.ID, fromSeq)
}

func (s *Server) handleExecutionEntries(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}
	fromIndex := 0
	if v := r.URL.Query().Get("from_index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_index must be an integer")
			return
		}
		fromIndex = n
	}
	rows, err := s.deps.Store.Entries(r.Context(), exec.ID, fromIndex)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		entries[i] = json.RawMessage(row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleExecutionSummary reports live metrics for a running execution:
// token usage, cost, tool-call counts.
func (s *Server) handleExecutionSummary(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}
	p := s.deps.Runner.Processor(exec.ID)
	if p == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s has no live metrics", exec.ID))
		return
	}
	writeJSON(w, http.StatusOK, p.Summarize())
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}
	if err := s.deps.Runner.Cancel(r.Context(), exec.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}
	var req ResumeExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	agentType := req.AgentType
	if agentType == "" {
		agentType = "claude"
	}

	newID := ids.NewExecutionID()
	if err := s.deps.Store.CreateExecution(r.Context(), &store.Execution{
		ID:            newID,
		IssueID:       exec.IssueID,
		WorkspacePath: exec.WorkspacePath,
		WorktreePath:  exec.WorktreePath,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	task := agent.Task{Prompt: req.Prompt, WorkDir: exec.WorkspacePath}
	go func() {
		if err := s.deps.Runner.Resume(s.baseCtx, newID, req.SessionID, agentType, task); err != nil {
			s.logger.Printf("resume %s: %v", newID, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": newID, "status": "accepted"})
}

func (s *Server) handlePruneExecutions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThanHours int `json:"older_than_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.OlderThanHours <= 0 {
		req.OlderThanHours = 24 * 7
	}
	cutoff := time.Now().Add(-time.Duration(req.OlderThanHours) * time.Hour)
	n, err := s.deps.Store.PruneExecutions(r.Context(), cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": n})
}

// handleDeleteExecution removes a terminal execution and its entry log.
func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteExecution(r.Context(), exec.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.deps.Transports.Buffer().Remove(exec.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Transports.Buffer().Stats())
}

func (s *Server) lookupExecution(w http.ResponseWriter, r *http.Request) (*store.Execution, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "execution id is required")
		return nil, false
	}
	exec, err := s.deps.Store.GetExecution(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return exec, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
