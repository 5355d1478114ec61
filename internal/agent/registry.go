package agent

import (
	"context"
	"strings"
	"sync"
	"time"
)

// verifyTTL bounds how long an availability verdict stays cached; a
// CLI installed or removed mid-run is picked up within this window.
const verifyTTL = 5 * time.Minute

type verification struct {
	err error
	at  time.Time
}

// Registry resolves agent types to adapters and memoizes availability
// checks. Verdicts expire after verifyTTL; callers may also clear them
// eagerly on configuration change via ClearVerificationCache.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	verified map[string]verification
	now      func() time.Time
}

// NewRegistry returns a registry with the built-in adapters installed.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
		verified: make(map[string]verification),
		now:      time.Now,
	}
	r.Register("claude", NewClaudeAdapter())
	r.Register("codex", NewCodexAdapter())
	return r
}

// Register installs an adapter under the given agent type, replacing any
// previous registration and invalidating its cached availability.
func (r *Registry) Register(agentType string, a Adapter) {
	key := strings.ToLower(strings.TrimSpace(agentType))
	if key == "" || a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[key] = a
	delete(r.verified, key)
	r.mu.Unlock()
}

// Resolve returns the adapter for agentType or *NotFoundError.
func (r *Registry) Resolve(agentType string) (Adapter, error) {
	key := strings.ToLower(strings.TrimSpace(agentType))
	r.mu.RLock()
	a, ok := r.adapters[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{AgentType: agentType}
	}
	return a, nil
}

// Types lists the registered agent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	return out
}

// VerifyAvailability runs the adapter's availability check, memoizing the
// verdict (success or failure) for verifyTTL.
func (r *Registry) VerifyAvailability(ctx context.Context, agentType string) error {
	key := strings.ToLower(strings.TrimSpace(agentType))
	r.mu.RLock()
	v, cached := r.verified[key]
	r.mu.RUnlock()
	if cached && r.now().Sub(v.at) < verifyTTL {
		return v.err
	}

	a, err := r.Resolve(key)
	if err != nil {
		return err
	}
	verdict := a.CheckAvailability(ctx)
	r.mu.Lock()
	r.verified[key] = verification{err: verdict, at: r.now()}
	r.mu.Unlock()
	return verdict
}

// ClearVerificationCache drops cached availability verdicts. An empty
// agentType clears everything.
func (r *Registry) ClearVerificationCache(agentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agentType == "" {
		r.verified = make(map[string]verification)
		return
	}
	delete(r.verified, strings.ToLower(strings.TrimSpace(agentType)))
}
