package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus is the execution lifecycle state.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecStopped   ExecutionStatus = "stopped"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecStopped, ExecCancelled:
		return true
	}
	return false
}

// Execution is one attempt of one task.
type Execution struct {
	ID            string          `json:"id"`
	IssueID       string          `json:"issue_id,omitempty"`
	Status        ExecutionStatus `json:"status"`
	WorkspacePath string          `json:"workspace_path,omitempty"`
	WorktreePath  string          `json:"worktree_path,omitempty"`
	BeforeCommit  string          `json:"before_commit,omitempty"`
	AfterCommit   string          `json:"after_commit,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreateExecution inserts a new pending execution.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	if e.Status == "" {
		e.Status = ExecPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, issue_id, status, workspace_path, worktree_path,
			before_commit, after_commit, error_message, config, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IssueID, e.Status, e.WorkspacePath, e.WorktreePath,
		e.BeforeCommit, e.AfterCommit, e.ErrorMessage, string(e.Config),
		unixOrNil(e.StartedAt), unixOrNil(e.CompletedAt), e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	s.logger.Debug("execution created", "id", e.ID, "issueId", e.IssueID)
	return nil
}

// GetExecution returns the execution or sql.ErrNoRows.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, issue_id, status, workspace_path, worktree_path, before_commit,
			after_commit, error_message, config, started_at, completed_at, created_at
		 FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions returns executions newest-first, optionally filtered by
// status.
func (s *Store) ListExecutions(ctx context.Context, status ExecutionStatus) ([]*Execution, error) {
	query := `SELECT id, issue_id, status, workspace_path, worktree_path, before_commit,
			after_commit, error_message, config, started_at, completed_at, created_at
		 FROM executions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateExecutionStatus applies a status transition. Setting a terminal
// status stamps completed_at; setting running stamps started_at.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, errorMessage string) error {
	now := time.Now().Unix()
	var res sql.Result
	var err error
	switch {
	case status == ExecRunning:
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ?, started_at = ? WHERE id = ?`,
			status, now, id)
	case status.Terminal():
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
			status, errorMessage, now, id)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	s.logger.Debug("execution status", "id", id, "status", status)
	return nil
}

// SetExecutionCommits records the before/after commit SHAs.
func (s *Store) SetExecutionCommits(ctx context.Context, id, before, after string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET before_commit = COALESCE(NULLIF(?, ''), before_commit),
			after_commit = COALESCE(NULLIF(?, ''), after_commit) WHERE id = ?`,
		before, after, id)
	return err
}

// AppendEntry persists one normalized entry at the given index.
func (s *Store) AppendEntry(ctx context.Context, executionID string, index int, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_entries (execution_id, idx, payload) VALUES (?, ?, ?)`,
		executionID, index, string(payload))
	if err != nil {
		return fmt.Errorf("append entry %s[%d]: %w", executionID, index, err)
	}
	return nil
}

// Entries returns the persisted entry payloads for an execution in index
// order, starting at fromIndex.
func (s *Store) Entries(ctx context.Context, executionID string, fromIndex int) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM execution_entries WHERE execution_id = ? AND idx >= ? ORDER BY idx`,
		executionID, fromIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, []byte(payload))
	}
	return out, rows.Err()
}

// PruneExecutions deletes terminal executions (and their entry logs) older
// than the cutoff. Returns the number of executions removed.
func (s *Store) PruneExecutions(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE status IN ('completed','failed','stopped','cancelled')
		 AND created_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM execution_entries WHERE execution_id NOT IN (SELECT id FROM executions)`)
		if err != nil {
			return int(n), err
		}
		s.logger.Info("pruned executions", "count", n)
	}
	return int(n), nil
}

// DeleteExecution removes one terminal execution and its entry log. A
// non-terminal execution is refused.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if !e.Status.Terminal() {
		return fmt.Errorf("execution %s is %s, not terminal", id, e.Status)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM execution_entries WHERE execution_id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var issueID, workspace, worktree, before, after, errMsg, config sql.NullString
	var startedAt, completedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&e.ID, &issueID, &e.Status, &workspace, &worktree, &before,
		&after, &errMsg, &config, &startedAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	e.IssueID = issueID.String
	e.WorkspacePath = workspace.String
	e.WorktreePath = worktree.String
	e.BeforeCommit = before.String
	e.AfterCommit = after.String
	e.ErrorMessage = errMsg.String
	if config.String != "" {
		e.Config = json.RawMessage(config.String)
	}
	e.StartedAt = timeOrNil(startedAt)
	e.CompletedAt = timeOrNil(completedAt)
	e.CreatedAt = time.Unix(createdAt, 0)
	return &e, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
