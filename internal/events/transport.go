package events

import (
	"log/slog"
	"sync"
	"time"
)

// Sink is one client connection as seen by a transport. Send must not
// block indefinitely; a Send error removes the client.
type Sink interface {
	Send(ev AgUiEvent) error
	Close() error
}

// Transport fans events out to connected clients. Both the SSE and
// WebSocket flavors satisfy it.
type Transport interface {
	// HandleConnection registers a sink. When runID is non-empty the
	// client receives a replay of that run's buffered events (from
	// fromSeq) before live ones; otherwise it receives global broadcasts.
	HandleConnection(clientID string, sink Sink, runID string, fromSeq int64) error

	// Broadcast delivers to every client. Best effort.
	Broadcast(ev AgUiEvent)

	// BroadcastToRun delivers to clients subscribed to runID and to
	// global subscribers. Best effort.
	BroadcastToRun(runID string, ev AgUiEvent)

	// Disconnect removes one client.
	Disconnect(clientID string)

	// Shutdown closes all sinks. Idempotent.
	Shutdown()
}

type hubClient struct {
	sink     Sink
	runID    string // empty = global subscriber
	lastSeen time.Time
}

// hub is the client registry shared by both transport flavors. A sink that
// fails to accept an event is dropped so one slow client never blocks the
// rest.
type hub struct {
	mu        sync.Mutex
	clients   map[string]*hubClient
	buffer    *BufferStore
	logger    *slog.Logger
	closed    bool
	heartbeat time.Duration
	stopCh    chan struct{}
}

func newHub(buffer *BufferStore, logger *slog.Logger, heartbeat time.Duration) *hub {
	h := &hub{
		clients:   make(map[string]*hubClient),
		buffer:    buffer,
		logger:    logger,
		heartbeat: heartbeat,
		stopCh:    make(chan struct{}),
	}
	if heartbeat > 0 {
		go h.heartbeatLoop()
	}
	return h
}

func (h *hub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.Broadcast(NewEvent(EventHeartbeat, "", nil))
		}
	}
}

func (h *hub) HandleConnection(clientID string, sink Sink, runID string, fromSeq int64) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return sink.Close()
	}
	if prev, ok := h.clients[clientID]; ok {
		prev.sink.Close()
	}
	h.clients[clientID] = &hubClient{sink: sink, runID: runID, lastSeen: time.Now()}
	var replay []AgUiEvent
	if runID != "" && h.buffer != nil {
		replay = h.buffer.Events(runID, fromSeq)
	}
	h.mu.Unlock()

	if err := sink.Send(NewEvent(EventConnected, runID, map[string]any{"clientId": clientID})); err != nil {
		h.Disconnect(clientID)
		return err
	}
	for _, ev := range replay {
		if err := sink.Send(ev); err != nil {
			h.Disconnect(clientID)
			return err
		}
	}
	return nil
}

func (h *hub) deliver(ev AgUiEvent, match func(*hubClient) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !match(c) {
			continue
		}
		if err := c.sink.Send(ev); err != nil {
			h.logger.Debug("dropping client after send failure", "clientId", id, "error", err)
			c.sink.Close()
			delete(h.clients, id)
			continue
		}
		c.lastSeen = time.Now()
	}
}

func (h *hub) Broadcast(ev AgUiEvent) {
	h.deliver(ev, func(*hubClient) bool { return true })
}

func (h *hub) BroadcastToRun(runID string, ev AgUiEvent) {
	h.deliver(ev, func(c *hubClient) bool { return c.runID == runID || c.runID == "" })
}

func (h *hub) Disconnect(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.sink.Close()
		delete(h.clients, clientID)
	}
}

// Stale returns ids of clients whose last successful delivery is older
// than threshold.
func (h *hub) Stale(threshold time.Duration) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var out []string
	for id, c := range h.clients {
		if c.lastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func (h *hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.stopCh)
	for id, c := range h.clients {
		c.sink.Close()
		delete(h.clients, id)
	}
}
