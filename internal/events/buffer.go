package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxEvents bounds each execution's buffer; on overflow the
	// oldest 10% are dropped.
	DefaultMaxEvents = 10_000

	// DefaultRetention is how long an idle buffer survives before
	// PruneStale removes it.
	DefaultRetention = time.Hour
)

type runBuffer struct {
	events        []AgUiEvent
	nextSeq       int64
	lastUpdatedAt time.Time
}

// BufferStore keeps a bounded event history per execution so late-joining
// clients can replay from an arbitrary sequence number.
type BufferStore struct {
	mu        sync.Mutex
	buffers   map[string]*runBuffer
	maxEvents int
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// BufferOption configures a BufferStore.
type BufferOption func(*BufferStore)

// WithBufferLogger sets the logger for overflow and prune reporting.
func WithBufferLogger(l *slog.Logger) BufferOption {
	return func(s *BufferStore) { s.logger = l }
}

// WithMaxEvents overrides the per-execution event cap.
func WithMaxEvents(n int) BufferOption {
	return func(s *BufferStore) { s.maxEvents = n }
}

// WithRetention overrides how long idle buffers are kept.
func WithRetention(d time.Duration) BufferOption {
	return func(s *BufferStore) { s.retention = d }
}

func withClock(now func() time.Time) BufferOption {
	return func(s *BufferStore) { s.now = now }
}

// NewBufferStore returns an empty store with the default cap and retention.
func NewBufferStore(opts ...BufferOption) *BufferStore {
	s := &BufferStore{
		buffers:   make(map[string]*runBuffer),
		maxEvents: DefaultMaxEvents,
		retention: DefaultRetention,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add records an event for runID, assigning it the next sequence number.
// Sequence numbers are monotonic and gap-free per execution even across
// overflow drops. The stamped event is returned.
func (s *BufferStore) Add(runID string, ev AgUiEvent) AgUiEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[runID]
	if !ok {
		buf = &runBuffer{}
		s.buffers[runID] = buf
	}
	ev.Seq = buf.nextSeq
	buf.nextSeq++
	buf.events = append(buf.events, ev)
	buf.lastUpdatedAt = s.now()

	if len(buf.events) > s.maxEvents {
		drop := s.maxEvents / 10
		if drop < 1 {
			drop = 1
		}
		buf.events = buf.events[drop:]
		s.logger.Warn("event buffer overflow, dropped oldest events",
			"runId", runID, "dropped", drop, "retained", len(buf.events))
	}
	return ev
}

// Events returns the buffered events for runID with Seq >= fromSeq, in
// order. A fromSeq of 0 replays everything still retained.
func (s *BufferStore) Events(runID string, fromSeq int64) []AgUiEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[runID]
	if !ok {
		return nil
	}
	var out []AgUiEvent
	for _, ev := range buf.events {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Remove discards the buffer for runID.
func (s *BufferStore) Remove(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, runID)
}

// PruneStale removes buffers idle longer than the retention window and
// returns how many were removed.
func (s *BufferStore) PruneStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.retention)
	pruned := 0
	for runID, buf := range s.buffers {
		if buf.lastUpdatedAt.Before(cutoff) {
			delete(s.buffers, runID)
			pruned++
		}
	}
	if pruned > 0 {
		s.logger.Info("pruned stale event buffers", "count", pruned)
	}
	return pruned
}

// StartSweeper prunes stale buffers every interval until stop is closed.
func (s *BufferStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.PruneStale()
			}
		}
	}()
}

// BufferStats reports store occupancy.
type BufferStats struct {
	Buffers     int            `json:"buffers"`
	TotalEvents int            `json:"total_events"`
	PerRun      map[string]int `json:"per_run"`
}

// Stats returns a snapshot of buffer occupancy.
func (s *BufferStore) Stats() BufferStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := BufferStats{PerRun: map[string]int{}}
	for runID, buf := range s.buffers {
		st.Buffers++
		st.TotalEvents += len(buf.events)
		st.PerRun[runID] = len(buf.events)
	}
	return st
}
