package federation

import (
	"context"
	"time"

	"github.com/sudocode-ai/sudocode/internal/store"
)

// HealthStatus classifies the federation layer's condition.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

const (
	failedCriticalThreshold = 10
	failedDegradedThreshold = 5
	pendingMaxAge           = time.Hour
	subscriptionMaxIdle     = 7 * 24 * time.Hour
)

// Metrics is one aggregation snapshot over a window.
type Metrics struct {
	Window      time.Duration  `json:"window_seconds"`
	ByStatus    map[string]int `json:"by_status"`
	ByType      map[string]int `json:"by_type"`
	ByDirection map[string]int `json:"by_direction"`
	TopRepos    map[string]int `json:"top_repos"`
}

// Health is the classifier verdict with its contributing signals.
type Health struct {
	Status            HealthStatus `json:"status"`
	StalePending      int          `json:"stale_pending"`
	FailedLastHour    int          `json:"failed_last_hour"`
	IdleSubscriptions int          `json:"idle_subscriptions"`
	Connections       int          `json:"connections"`
	Reasons           []string     `json:"reasons,omitempty"`
}

// Metrics aggregates request activity since now-window.
func (s *Service) Metrics(ctx context.Context, window time.Duration) (*Metrics, error) {
	since := s.now().Add(-window)
	byStatus, err := s.store.RequestCounts(ctx, "status", since)
	if err != nil {
		return nil, err
	}
	byType, err := s.store.RequestCounts(ctx, "request_type", since)
	if err != nil {
		return nil, err
	}
	byDirection, err := s.store.RequestCounts(ctx, "direction", since)
	if err != nil {
		return nil, err
	}
	top, err := s.store.TopRemoteRepos(ctx, since, 5)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		Window:      window,
		ByStatus:    byStatus,
		ByType:      byType,
		ByDirection: byDirection,
		TopRepos:    top,
	}, nil
}

// Health classifies the layer: more than 10 failed requests in the last
// hour is critical, more than 5 is degraded; pending requests older than
// an hour or week-idle subscriptions degrade an otherwise healthy verdict.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	now := s.now()

	failedCounts, err := s.store.RequestCounts(ctx, "status", now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	failed := failedCounts[string(store.ReqFailed)]

	pending, err := s.store.ListRequests(ctx, store.ReqPending, "")
	if err != nil {
		return nil, err
	}
	stalePending := 0
	for _, req := range pending {
		if now.Sub(req.CreatedAt) > pendingMaxAge {
			stalePending++
		}
	}

	subs, err := s.store.ListSubscriptions(ctx, s.localRepo, true)
	if err != nil {
		return nil, err
	}
	idleSubs := 0
	for _, sub := range subs {
		last := sub.CreatedAt
		if sub.LastEventAt != nil {
			last = *sub.LastEventAt
		}
		if now.Sub(last) > subscriptionMaxIdle {
			idleSubs++
		}
	}

	h := &Health{
		Status:            HealthHealthy,
		StalePending:      stalePending,
		FailedLastHour:    failed,
		IdleSubscriptions: idleSubs,
		Connections:       s.bus.ConnectionCount(),
	}
	switch {
	case failed > failedCriticalThreshold:
		h.Status = HealthCritical
		h.Reasons = append(h.Reasons, "failed request rate critical")
	case failed > failedDegradedThreshold:
		h.Status = HealthDegraded
		h.Reasons = append(h.Reasons, "failed request rate elevated")
	}
	if stalePending > 0 {
		if h.Status == HealthHealthy {
			h.Status = HealthDegraded
		}
		h.Reasons = append(h.Reasons, "pending requests older than 1h")
	}
	if idleSubs > 0 {
		if h.Status == HealthHealthy {
			h.Status = HealthDegraded
		}
		h.Reasons = append(h.Reasons, "subscriptions idle over 7 days")
	}
	return h, nil
}
