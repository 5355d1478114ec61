// Package store persists executions, workflows, federation state and the
// entity cache in a local SQLite database. All goroutines serialize
// through a single connection, which is how SQLite wants to be written to.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the process-wide database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the SQLite file at dbPath. A single shared
// connection eliminates SQLITE_BUSY from concurrent writers.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			issue_id TEXT,
			status TEXT NOT NULL,
			workspace_path TEXT,
			worktree_path TEXT,
			before_commit TEXT,
			after_commit TEXT,
			error_message TEXT,
			config TEXT,
			started_at INTEGER,
			completed_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_entries (
			execution_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (execution_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			base_branch TEXT,
			worktree_path TEXT,
			status TEXT NOT NULL,
			config TEXT NOT NULL,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			issue_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			dependencies TEXT,
			status TEXT NOT NULL,
			execution_id TEXT,
			error TEXT,
			commit_sha TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS issues (
			uuid TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS specs (
			uuid TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS remote_repos (
			url TEXT PRIMARY KEY,
			name TEXT,
			trust_level TEXT NOT NULL,
			rest_endpoint TEXT,
			ws_endpoint TEXT,
			git_url TEXT,
			auto_sync INTEGER NOT NULL DEFAULT 0,
			sync_interval_minutes INTEGER,
			sync_status TEXT NOT NULL DEFAULT 'unknown',
			last_synced_at INTEGER,
			capabilities TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS cross_repo_requests (
			request_id TEXT PRIMARY KEY,
			direction TEXT NOT NULL,
			from_repo TEXT NOT NULL,
			to_repo TEXT NOT NULL,
			request_type TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			approved_by TEXT,
			approved_at INTEGER,
			rejection_reason TEXT,
			result TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscription_id TEXT PRIMARY KEY,
			local_repo TEXT NOT NULL,
			remote_repo TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT,
			events TEXT NOT NULL,
			webhook_url TEXT,
			ws_connection_id TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			last_event_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			direction TEXT NOT NULL,
			from_repo TEXT,
			to_repo TEXT,
			status TEXT NOT NULL,
			duration_ms INTEGER,
			error_message TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
