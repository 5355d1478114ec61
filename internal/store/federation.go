package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TrustLevel controls what a remote peer may do without human approval.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustVerified  TrustLevel = "verified"
	TrustUntrusted TrustLevel = "untrusted"
)

// Valid reports whether the trust level is one of the known values.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustTrusted, TrustVerified, TrustUntrusted:
		return true
	}
	return false
}

// SyncStatus tracks reachability of a remote repo.
type SyncStatus string

const (
	SyncSynced      SyncStatus = "synced"
	SyncStale       SyncStatus = "stale"
	SyncUnreachable SyncStatus = "unreachable"
	SyncUnknown     SyncStatus = "unknown"
)

// RemoteRepo is a federation peer descriptor. URL is the primary key.
type RemoteRepo struct {
	URL                 string          `json:"url"`
	Name                string          `json:"name,omitempty"`
	TrustLevel          TrustLevel      `json:"trust_level"`
	RESTEndpoint        string          `json:"rest_endpoint,omitempty"`
	WSEndpoint          string          `json:"ws_endpoint,omitempty"`
	GitURL              string          `json:"git_url,omitempty"`
	AutoSync            bool            `json:"auto_sync"`
	SyncIntervalMinutes int             `json:"sync_interval_minutes,omitempty"`
	SyncStatus          SyncStatus      `json:"sync_status"`
	LastSyncedAt        *time.Time      `json:"last_synced_at,omitempty"`
	Capabilities        json.RawMessage `json:"capabilities,omitempty"`
}

// RequestStatus is the cross-repo request state.
type RequestStatus string

const (
	ReqPending   RequestStatus = "pending"
	ReqApproved  RequestStatus = "approved"
	ReqRejected  RequestStatus = "rejected"
	ReqCompleted RequestStatus = "completed"
	ReqFailed    RequestStatus = "failed"
)

// Terminal reports whether the request status is immutable.
func (s RequestStatus) Terminal() bool {
	switch s {
	case ReqRejected, ReqCompleted, ReqFailed:
		return true
	}
	return false
}

// CrossRepoRequest is one federation mutation in flight.
type CrossRepoRequest struct {
	RequestID        string          `json:"request_id"`
	Direction        string          `json:"direction"` // incoming | outgoing
	FromRepo         string          `json:"from_repo"`
	ToRepo           string          `json:"to_repo"`
	RequestType      string          `json:"request_type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           RequestStatus   `json:"status"`
	RequiresApproval bool            `json:"requires_approval"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Subscription is a long-lived federation watch.
type Subscription struct {
	SubscriptionID string     `json:"subscription_id"`
	LocalRepo      string     `json:"local_repo"`
	RemoteRepo     string     `json:"remote_repo"`
	EntityType     string     `json:"entity_type"` // issue | spec | *
	EntityID       string     `json:"entity_id,omitempty"`
	Events         []string   `json:"events"` // subset of created/updated/closed, or *
	WebhookURL     string     `json:"webhook_url,omitempty"`
	WSConnectionID string     `json:"ws_connection_id,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
}

// AuditEntry is one row per federation operation.
type AuditEntry struct {
	Operation    string        `json:"operation"`
	Direction    string        `json:"direction"`
	FromRepo     string        `json:"from_repo,omitempty"`
	ToRepo       string        `json:"to_repo,omitempty"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"duration"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SaveRemoteRepo upserts a peer descriptor.
func (s *Store) SaveRemoteRepo(ctx context.Context, r *RemoteRepo) error {
	if !r.TrustLevel.Valid() {
		return fmt.Errorf("invalid trust level %q", r.TrustLevel)
	}
	if r.SyncStatus == "" {
		r.SyncStatus = SyncUnknown
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_repos (url, name, trust_level, rest_endpoint, ws_endpoint,
			git_url, auto_sync, sync_interval_minutes, sync_status, last_synced_at, capabilities)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET name=excluded.name, trust_level=excluded.trust_level,
			rest_endpoint=excluded.rest_endpoint, ws_endpoint=excluded.ws_endpoint,
			git_url=excluded.git_url, auto_sync=excluded.auto_sync,
			sync_interval_minutes=excluded.sync_interval_minutes,
			sync_status=excluded.sync_status, last_synced_at=excluded.last_synced_at,
			capabilities=excluded.capabilities`,
		r.URL, r.Name, r.TrustLevel, r.RESTEndpoint, r.WSEndpoint, r.GitURL,
		boolToInt(r.AutoSync), r.SyncIntervalMinutes, r.SyncStatus,
		unixOrNil(r.LastSyncedAt), string(r.Capabilities))
	return err
}

// GetRemoteRepo returns the peer or sql.ErrNoRows.
func (s *Store) GetRemoteRepo(ctx context.Context, url string) (*RemoteRepo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, name, trust_level, rest_endpoint, ws_endpoint, git_url, auto_sync,
			sync_interval_minutes, sync_status, last_synced_at, capabilities
		 FROM remote_repos WHERE url = ?`, url)
	var r RemoteRepo
	var name, rest, ws, git, caps sql.NullString
	var autoSync int
	var interval sql.NullInt64
	var lastSynced sql.NullInt64
	err := row.Scan(&r.URL, &name, &r.TrustLevel, &rest, &ws, &git, &autoSync,
		&interval, &r.SyncStatus, &lastSynced, &caps)
	if err != nil {
		return nil, err
	}
	r.Name = name.String
	r.RESTEndpoint = rest.String
	r.WSEndpoint = ws.String
	r.GitURL = git.String
	r.AutoSync = autoSync != 0
	r.SyncIntervalMinutes = int(interval.Int64)
	r.LastSyncedAt = timeOrNil(lastSynced)
	if caps.String != "" {
		r.Capabilities = json.RawMessage(caps.String)
	}
	return &r, nil
}

// ListRemoteRepos returns all peers ordered by URL.
func (s *Store) ListRemoteRepos(ctx context.Context) ([]*RemoteRepo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM remote_repos ORDER BY url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []*RemoteRepo
	for _, url := range urls {
		r, err := s.GetRemoteRepo(ctx, url)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteRemoteRepo removes a peer.
func (s *Store) DeleteRemoteRepo(ctx context.Context, url string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM remote_repos WHERE url = ?`, url)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SaveRequest inserts or updates a cross-repo request. Updating a record
// already in a terminal state is rejected.
func (s *Store) SaveRequest(ctx context.Context, r *CrossRepoRequest) error {
	existing, err := s.GetRequest(ctx, r.RequestID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if existing != nil && existing.Status.Terminal() {
		return fmt.Errorf("request %s is %s and immutable", r.RequestID, existing.Status)
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cross_repo_requests (request_id, direction, from_repo, to_repo,
			request_type, payload, status, requires_approval, approved_by, approved_at,
			rejection_reason, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET status=excluded.status,
			requires_approval=excluded.requires_approval, approved_by=excluded.approved_by,
			approved_at=excluded.approved_at, rejection_reason=excluded.rejection_reason,
			result=excluded.result, updated_at=excluded.updated_at`,
		r.RequestID, r.Direction, r.FromRepo, r.ToRepo, r.RequestType,
		string(r.Payload), r.Status, boolToInt(r.RequiresApproval), r.ApprovedBy,
		unixOrNil(r.ApprovedAt), r.RejectionReason, string(r.Result),
		r.CreatedAt.Unix(), r.UpdatedAt.Unix())
	return err
}

// GetRequest returns the request or sql.ErrNoRows.
func (s *Store) GetRequest(ctx context.Context, id string) (*CrossRepoRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, direction, from_repo, to_repo, request_type, payload, status,
			requires_approval, approved_by, approved_at, rejection_reason, result,
			created_at, updated_at
		 FROM cross_repo_requests WHERE request_id = ?`, id)
	return scanRequest(row)
}

// ListRequests returns requests newest-first, optionally filtered.
func (s *Store) ListRequests(ctx context.Context, status RequestStatus, direction string) ([]*CrossRepoRequest, error) {
	query := `SELECT request_id, direction, from_repo, to_repo, request_type, payload,
			status, requires_approval, approved_by, approved_at, rejection_reason, result,
			created_at, updated_at FROM cross_repo_requests`
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, direction)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, request_id DESC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CrossRepoRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (*CrossRepoRequest, error) {
	var r CrossRepoRequest
	var payload, approvedBy, reason, result sql.NullString
	var requiresApproval int
	var approvedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&r.RequestID, &r.Direction, &r.FromRepo, &r.ToRepo, &r.RequestType,
		&payload, &r.Status, &requiresApproval, &approvedBy, &approvedAt, &reason,
		&result, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if payload.String != "" {
		r.Payload = json.RawMessage(payload.String)
	}
	r.RequiresApproval = requiresApproval != 0
	r.ApprovedBy = approvedBy.String
	r.ApprovedAt = timeOrNil(approvedAt)
	r.RejectionReason = reason.String
	if result.String != "" {
		r.Result = json.RawMessage(result.String)
	}
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

// SaveSubscription upserts a subscription.
func (s *Store) SaveSubscription(ctx context.Context, sub *Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (subscription_id, local_repo, remote_repo, entity_type,
			entity_id, events, webhook_url, ws_connection_id, active, created_at, last_event_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subscription_id) DO UPDATE SET active=excluded.active,
			events=excluded.events, ws_connection_id=excluded.ws_connection_id,
			last_event_at=excluded.last_event_at`,
		sub.SubscriptionID, sub.LocalRepo, sub.RemoteRepo, sub.EntityType,
		sub.EntityID, strings.Join(sub.Events, ","), sub.WebhookURL,
		sub.WSConnectionID, boolToInt(sub.Active), sub.CreatedAt.Unix(),
		unixOrNil(sub.LastEventAt))
	return err
}

// ListSubscriptions returns subscriptions for a local repo. When
// activeOnly is set, inactive rows are excluded.
func (s *Store) ListSubscriptions(ctx context.Context, localRepo string, activeOnly bool) ([]*Subscription, error) {
	query := `SELECT subscription_id, local_repo, remote_repo, entity_type, entity_id,
			events, webhook_url, ws_connection_id, active, created_at, last_event_at
		 FROM subscriptions WHERE local_repo = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY subscription_id`
	rows, err := s.db.QueryContext(ctx, query, localRepo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		var sub Subscription
		var entityID, webhook, wsConn, events sql.NullString
		var active int
		var createdAt int64
		var lastEvent sql.NullInt64
		if err := rows.Scan(&sub.SubscriptionID, &sub.LocalRepo, &sub.RemoteRepo,
			&sub.EntityType, &entityID, &events, &webhook, &wsConn, &active,
			&createdAt, &lastEvent); err != nil {
			return nil, err
		}
		sub.EntityID = entityID.String
		if events.String != "" {
			sub.Events = strings.Split(events.String, ",")
		}
		sub.WebhookURL = webhook.String
		sub.WSConnectionID = wsConn.String
		sub.Active = active != 0
		sub.CreatedAt = time.Unix(createdAt, 0)
		sub.LastEventAt = timeOrNil(lastEvent)
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// DeleteSubscription removes a subscription and reports whether it existed.
func (s *Store) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE subscription_id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteSubscriptionsByConnection removes all subscriptions owned by a WS
// connection and returns how many were deleted.
func (s *Store) DeleteSubscriptionsByConnection(ctx context.Context, connID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE ws_connection_id = ?`, connID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TouchSubscription stamps last_event_at.
func (s *Store) TouchSubscription(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_event_at = ? WHERE subscription_id = ?`, at.Unix(), id)
	return err
}

// Audit appends one audit row.
func (s *Store) Audit(ctx context.Context, e *AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (operation, direction, from_repo, to_repo, status,
			duration_ms, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Operation, e.Direction, e.FromRepo, e.ToRepo, e.Status,
		e.Duration.Milliseconds(), e.ErrorMessage, e.CreatedAt.Unix())
	return err
}

// AuditEntries returns audit rows newest-first, up to limit.
func (s *Store) AuditEntries(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation, direction, from_repo, to_repo, status, duration_ms,
			error_message, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var from, to, errMsg sql.NullString
		var durationMS, createdAt int64
		if err := rows.Scan(&e.Operation, &e.Direction, &from, &to, &e.Status,
			&durationMS, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		e.FromRepo = from.String
		e.ToRepo = to.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.ErrorMessage = errMsg.String
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RequestCounts aggregates request rows grouped by the given column
// (status, request_type or direction) since the cutoff.
func (s *Store) RequestCounts(ctx context.Context, column string, since time.Time) (map[string]int, error) {
	switch column {
	case "status", "request_type", "direction":
	default:
		return nil, fmt.Errorf("unsupported group column %q", column)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM cross_repo_requests WHERE created_at >= ? GROUP BY `+column,
		since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// TopRemoteRepos returns the most active peers by request count since the
// cutoff.
func (s *Store) TopRemoteRepos(ctx context.Context, since time.Time, limit int) (map[string]int, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT repo, SUM(n) FROM (
			SELECT from_repo AS repo, COUNT(*) AS n FROM cross_repo_requests
				WHERE created_at >= ? GROUP BY from_repo
			UNION ALL
			SELECT to_repo AS repo, COUNT(*) AS n FROM cross_repo_requests
				WHERE created_at >= ? GROUP BY to_repo
		 ) GROUP BY repo ORDER BY SUM(n) DESC LIMIT ?`,
		since.Unix(), since.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var repo string
		var n int
		if err := rows.Scan(&repo, &n); err != nil {
			return nil, err
		}
		out[repo] = n
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
