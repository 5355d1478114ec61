package server

import "github.com/sudocode-ai/sudocode/internal/store"

// CreateExecutionRequest starts an agent execution.
type CreateExecutionRequest struct {
	Prompt      string         `json:"prompt"`
	AgentType   string         `json:"agent_type,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	IssueID     string         `json:"issue_id,omitempty"`
	WorkDir     string         `json:"work_dir,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// ResumeExecutionRequest continues a prior agent session under a new
// execution id.
type ResumeExecutionRequest struct {
	SessionID string `json:"session_id"`
	AgentType string `json:"agent_type,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// CreateWorkflowRequest builds a workflow from a source selector.
type CreateWorkflowRequest struct {
	Title      string               `json:"title"`
	Source     store.WorkflowSource `json:"source"`
	Config     store.WorkflowConfig `json:"config"`
	BaseBranch string               `json:"base_branch,omitempty"`
	AutoStart  bool                 `json:"auto_start,omitempty"`
}

// AppendStepRequest adds a step to a goal-sourced workflow.
type AppendStepRequest struct {
	IssueID      string   `json:"issue_id"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
