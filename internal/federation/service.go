package federation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sudocode-ai/sudocode/internal/store"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClient replaces the peer HTTP client.
func WithClient(c *Client) Option {
	return func(s *Service) { s.client = c }
}

func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the federation facade: peer registry, request state machine,
// subscription bus, and metrics all hang off it.
type Service struct {
	store     *store.Store
	localRepo string
	client    *Client
	logger    *slog.Logger
	now       func() time.Time
	bus       *Bus
}

// NewService wires the federation layer for one local repository,
// identified to peers by localRepo (its public URL or name).
func NewService(st *store.Store, localRepo string, opts ...Option) *Service {
	s := &Service{
		store:     st,
		localRepo: localRepo,
		client:    NewClient(),
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = newBus(st, localRepo, s.logger, s.now)
	return s
}

// Bus exposes the subscription bus for the WS handler.
func (s *Service) Bus() *Bus { return s.bus }

// LocalRepo returns the identity this deployment presents to peers.
func (s *Service) LocalRepo() string { return s.localRepo }

// LocalCapabilities describes what this deployment accepts from peers.
func (s *Service) LocalCapabilities() *Capabilities {
	return &Capabilities{
		Protocols:   []string{"rest", "websocket"},
		Operations:  []string{"query", "create_issue", "create_spec", "update_issue", "close_issue"},
		EntityTypes: []string{"issue", "spec"},
	}
}

// SaveRemote validates and upserts a peer descriptor.
func (s *Service) SaveRemote(ctx context.Context, r *store.RemoteRepo) error {
	return s.store.SaveRemoteRepo(ctx, r)
}

// GetRemote returns one peer by URL.
func (s *Service) GetRemote(ctx context.Context, url string) (*store.RemoteRepo, error) {
	return s.store.GetRemoteRepo(ctx, url)
}

// ListRemotes returns all registered peers.
func (s *Service) ListRemotes(ctx context.Context) ([]*store.RemoteRepo, error) {
	return s.store.ListRemoteRepos(ctx)
}

// RemoveRemote deletes a peer.
func (s *Service) RemoveRemote(ctx context.Context, url string) error {
	return s.store.DeleteRemoteRepo(ctx, url)
}

// Discover probes the peer's /federation/info, stores its capability
// snapshot and marks it synced. An unreachable peer is recorded as such.
func (s *Service) Discover(ctx context.Context, url string) (*store.RemoteRepo, error) {
	repo, err := s.store.GetRemoteRepo(ctx, url)
	if err != nil {
		if !store.IsNotFound(err) {
			return nil, err
		}
		repo = &store.RemoteRepo{URL: url, TrustLevel: store.TrustUntrusted}
	}

	start := s.now()
	caps, infoErr := s.client.Info(ctx, repo.URL)
	if infoErr != nil {
		repo.SyncStatus = store.SyncUnreachable
		if saveErr := s.store.SaveRemoteRepo(ctx, repo); saveErr != nil {
			return nil, saveErr
		}
		s.audit(ctx, "discover", "outgoing", s.localRepo, url, "failed", s.now().Sub(start), infoErr.Error())
		return repo, infoErr
	}

	snapshot, err := json.Marshal(caps)
	if err != nil {
		return nil, err
	}
	now := s.now()
	repo.Capabilities = snapshot
	repo.SyncStatus = store.SyncSynced
	repo.LastSyncedAt = &now
	if err := s.store.SaveRemoteRepo(ctx, repo); err != nil {
		return nil, err
	}
	s.audit(ctx, "discover", "outgoing", s.localRepo, url, "completed", s.now().Sub(start), "")
	return repo, nil
}

func (s *Service) audit(ctx context.Context, operation, direction, from, to, status string, d time.Duration, errMsg string) {
	entry := &store.AuditEntry{
		Operation:    operation,
		Direction:    direction,
		FromRepo:     from,
		ToRepo:       to,
		Status:       status,
		Duration:     d,
		ErrorMessage: errMsg,
		CreatedAt:    s.now(),
	}
	if err := s.store.Audit(ctx, entry); err != nil {
		s.logger.Error("write audit entry", "operation", operation, "error", err)
	}
}
