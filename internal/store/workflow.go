package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkflowStatus is the workflow lifecycle state.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow status is final. Terminal states
// are immutable.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// StepStatus is a workflow step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepBlocked   StepStatus = "blocked"
)

// Terminal reports whether a step has finished moving.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepBlocked:
		return true
	}
	return false
}

// OnFailure selects the policy applied when a step fails.
type OnFailure string

const (
	FailStop           OnFailure = "stop"
	FailPause          OnFailure = "pause"
	FailSkipDependents OnFailure = "skip_dependents"
	FailContinue       OnFailure = "continue"
)

// SourceType selects how a workflow's issue set is resolved.
type SourceType string

const (
	SourceSpec      SourceType = "spec"
	SourceIssues    SourceType = "issues"
	SourceRootIssue SourceType = "root_issue"
	SourceGoal      SourceType = "goal"
)

// WorkflowSource describes where a workflow's steps come from.
type WorkflowSource struct {
	Type        SourceType `json:"type"`
	SpecID      string     `json:"spec_id,omitempty"`
	IssueIDs    []string   `json:"issue_ids,omitempty"`
	RootIssueID string     `json:"root_issue_id,omitempty"`
	Goal        string     `json:"goal,omitempty"`
}

// WorkflowConfig is the per-workflow execution policy.
type WorkflowConfig struct {
	OnFailure           OnFailure `json:"on_failure"`
	Parallelism         string    `json:"parallelism"` // sequential | parallel
	MaxConcurrency      int       `json:"max_concurrency,omitempty"`
	AutoCommitAfterStep bool      `json:"auto_commit_after_step"`
	CreateBaseBranch    bool      `json:"create_base_branch,omitempty"`
	ReuseWorktreePath   string    `json:"reuse_worktree_path,omitempty"`
	PushRemote          string    `json:"push_remote,omitempty"`
	DefaultAgentType    string    `json:"default_agent_type,omitempty"`
}

// Workflow is a DAG of steps.
type Workflow struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Source           WorkflowSource  `json:"source"`
	BaseBranch       string          `json:"base_branch,omitempty"`
	WorktreePath     string          `json:"worktree_path,omitempty"`
	Status           WorkflowStatus  `json:"status"`
	Config           WorkflowConfig  `json:"config"`
	Steps            []*WorkflowStep `json:"steps"`
	CurrentStepIndex int             `json:"current_step_index"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// WorkflowStep is one DAG node.
type WorkflowStep struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id"`
	IssueID      string     `json:"issue_id"`
	Index        int        `json:"index"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       StepStatus `json:"status"`
	ExecutionID  string     `json:"execution_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	CommitSHA    string     `json:"commit_sha,omitempty"`
}

// SaveWorkflow upserts the workflow row and replaces its step rows.
func (s *Store) SaveWorkflow(ctx context.Context, w *Workflow) error {
	source, err := json.Marshal(w.Source)
	if err != nil {
		return err
	}
	config, err := json.Marshal(w.Config)
	if err != nil {
		return err
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, title, source, base_branch, worktree_path, status,
			config, current_step_index, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, source=excluded.source,
			base_branch=excluded.base_branch, worktree_path=excluded.worktree_path,
			status=excluded.status, config=excluded.config,
			current_step_index=excluded.current_step_index, updated_at=excluded.updated_at`,
		w.ID, w.Title, string(source), w.BaseBranch, w.WorktreePath, w.Status,
		string(config), w.CurrentStepIndex, w.CreatedAt.Unix(), w.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, w.ID); err != nil {
		return err
	}
	for _, step := range w.Steps {
		if err := s.saveStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveStep(ctx context.Context, step *WorkflowStep) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, issue_id, idx, dependencies,
			status, execution_id, error, commit_sha)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status,
			execution_id=excluded.execution_id, error=excluded.error,
			commit_sha=excluded.commit_sha, dependencies=excluded.dependencies`,
		step.ID, step.WorkflowID, step.IssueID, step.Index,
		strings.Join(step.Dependencies, ","), step.Status,
		step.ExecutionID, step.Error, step.CommitSHA)
	if err != nil {
		return fmt.Errorf("save step %s: %w", step.ID, err)
	}
	return nil
}

// UpdateStep persists one step's mutable fields.
func (s *Store) UpdateStep(ctx context.Context, step *WorkflowStep) error {
	return s.saveStep(ctx, step)
}

// GetWorkflow loads a workflow with its steps, or sql.ErrNoRows.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, source, base_branch, worktree_path, status, config,
			current_step_index, created_at, updated_at FROM workflows WHERE id = ?`, id)
	var w Workflow
	var source, config string
	var baseBranch, worktree sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&w.ID, &w.Title, &source, &baseBranch, &worktree, &w.Status,
		&config, &w.CurrentStepIndex, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(source), &w.Source); err != nil {
		return nil, fmt.Errorf("workflow %s source: %w", id, err)
	}
	if err := json.Unmarshal([]byte(config), &w.Config); err != nil {
		return nil, fmt.Errorf("workflow %s config: %w", id, err)
	}
	w.BaseBranch = baseBranch.String
	w.WorktreePath = worktree.String
	w.CreatedAt = time.Unix(createdAt, 0)
	w.UpdatedAt = time.Unix(updatedAt, 0)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, issue_id, idx, dependencies, status, execution_id,
			error, commit_sha FROM workflow_steps WHERE workflow_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var step WorkflowStep
		var deps, execID, stepErr, sha sql.NullString
		if err := rows.Scan(&step.ID, &step.WorkflowID, &step.IssueID, &step.Index,
			&deps, &step.Status, &execID, &stepErr, &sha); err != nil {
			return nil, err
		}
		if deps.String != "" {
			step.Dependencies = strings.Split(deps.String, ",")
		}
		step.ExecutionID = execID.String
		step.Error = stepErr.String
		step.CommitSHA = sha.String
		w.Steps = append(w.Steps, &step)
	}
	return &w, rows.Err()
}

// ListWorkflows returns workflow rows (without steps), newest-first.
func (s *Store) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workflows ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []*Workflow
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
