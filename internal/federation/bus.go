package federation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sudocode-ai/sudocode/internal/ids"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// connMaxIdle is how long a connection may go without a ping before the
// sweep tears it down.
const connMaxIdle = 5 * time.Minute

// ConnSink is the write half of one subscriber connection. gorilla's
// *websocket.Conn satisfies it.
type ConnSink interface {
	WriteJSON(v any) error
	Close() error
}

type busConn struct {
	id         string
	sink       ConnSink
	remoteRepo string
	subs       map[string]bool
	lastPing   time.Time

	// gorilla allows one concurrent writer per conn; replies and event
	// deliveries race otherwise.
	writeMu sync.Mutex
}

func (c *busConn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sink.WriteJSON(v)
}

// Bus delivers entity events to federation subscriptions and keeps the
// WebSocket connection bookkeeping.
type Bus struct {
	store     *store.Store
	localRepo string
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	conns map[string]*busConn
}

func newBus(st *store.Store, localRepo string, logger *slog.Logger, now func() time.Time) *Bus {
	return &Bus{
		store:     st,
		localRepo: localRepo,
		logger:    logger,
		now:       now,
		conns:     make(map[string]*busConn),
	}
}

// AddConnection registers a subscriber connection and returns its id.
func (b *Bus) AddConnection(sink ConnSink, remoteRepo string) string {
	id := ids.NewUUID()
	b.mu.Lock()
	b.conns[id] = &busConn{
		id:         id,
		sink:       sink,
		remoteRepo: remoteRepo,
		subs:       make(map[string]bool),
		lastPing:   b.now(),
	}
	b.mu.Unlock()
	return id
}

// Touch refreshes a connection's idle timer on ping or inbound traffic.
func (b *Bus) Touch(connID string) {
	b.mu.Lock()
	if c, ok := b.conns[connID]; ok {
		c.lastPing = b.now()
	}
	b.mu.Unlock()
}

// RemoveConnection drops the connection and deletes every subscription it
// owned, returning how many were removed.
func (b *Bus) RemoveConnection(ctx context.Context, connID string) int {
	b.mu.Lock()
	c, ok := b.conns[connID]
	delete(b.conns, connID)
	b.mu.Unlock()
	if !ok {
		return 0
	}
	c.sink.Close()
	n, err := b.store.DeleteSubscriptionsByConnection(ctx, connID)
	if err != nil {
		b.logger.Error("delete connection subscriptions", "connectionId", connID, "error", err)
	}
	if n > 0 {
		b.logger.Info("connection closed", "connectionId", connID, "subscriptionsDeleted", n)
	}
	return n
}

// ConnectionCount reports live connections.
func (b *Bus) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// clientMessage is the C->S side of the subscription protocol.
type clientMessage struct {
	Type           string   `json:"type"`
	RemoteRepo     string   `json:"remote_repo,omitempty"`
	EntityType     string   `json:"entity_type,omitempty"`
	EntityID       string   `json:"entity_id,omitempty"`
	Events         []string `json:"events,omitempty"`
	SubscriptionID string   `json:"subscription_id,omitempty"`
}

// HandleMessage processes one inbound frame from a subscriber connection.
// Replies (confirmations and errors) go back over the same connection.
func (b *Bus) HandleMessage(ctx context.Context, connID string, raw []byte) {
	b.Touch(connID)
	b.mu.Lock()
	c := b.conns[connID]
	b.mu.Unlock()
	if c == nil {
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.sendError(c, "malformed message: "+err.Error())
		return
	}

	switch msg.Type {
	case "subscribe":
		sub := &store.Subscription{
			SubscriptionID: ids.NewUUID(),
			LocalRepo:      b.localRepo,
			RemoteRepo:     msg.RemoteRepo,
			EntityType:     msg.EntityType,
			EntityID:       msg.EntityID,
			Events:         msg.Events,
			WSConnectionID: connID,
			Active:         true,
			CreatedAt:      b.now(),
		}
		if sub.RemoteRepo == "" {
			sub.RemoteRepo = c.remoteRepo
		}
		if sub.EntityType == "" {
			sub.EntityType = "*"
		}
		if len(sub.Events) == 0 {
			sub.Events = []string{"*"}
		}
		if err := b.store.SaveSubscription(ctx, sub); err != nil {
			b.sendError(c, "subscribe failed: "+err.Error())
			return
		}
		b.mu.Lock()
		c.subs[sub.SubscriptionID] = true
		b.mu.Unlock()
		b.send(c, map[string]any{"type": "subscribed", "subscription_id": sub.SubscriptionID})

	case "unsubscribe":
		if msg.SubscriptionID == "" {
			b.sendError(c, "unsubscribe needs a subscription_id")
			return
		}
		existed, err := b.store.DeleteSubscription(ctx, msg.SubscriptionID)
		if err != nil {
			b.sendError(c, "unsubscribe failed: "+err.Error())
			return
		}
		b.mu.Lock()
		delete(c.subs, msg.SubscriptionID)
		b.mu.Unlock()
		b.send(c, map[string]any{"type": "unsubscribed", "subscription_id": msg.SubscriptionID, "existed": existed})

	case "ping":
		b.send(c, map[string]any{"type": "pong"})

	default:
		b.sendError(c, "unknown message type "+msg.Type)
	}
}

// EventFrame is the S->C event envelope.
type EventFrame struct {
	Type           string `json:"type"` // always "event"
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	EntityUUID     string `json:"entity_uuid,omitempty"`
	Payload        any    `json:"payload,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// PublishEvent walks active subscriptions and delivers the event to every
// match: entity type exact or "*", entity id unset or equal, event list
// containing the type or "*". A write failure leaves the subscription
// intact; the connection is reaped by the idle sweep. Returns the delivery
// count.
func (b *Bus) PublishEvent(ctx context.Context, entityType, entityID, entityUUID, eventType string, payload any) int {
	subs, err := b.store.ListSubscriptions(ctx, b.localRepo, true)
	if err != nil {
		b.logger.Error("list subscriptions", "error", err)
		return 0
	}
	delivered := 0
	for _, sub := range subs {
		if !matches(sub, entityType, entityID, eventType) {
			continue
		}
		b.mu.Lock()
		c := b.conns[sub.WSConnectionID]
		b.mu.Unlock()
		if c == nil {
			continue
		}
		frame := &EventFrame{
			Type:           "event",
			SubscriptionID: sub.SubscriptionID,
			EventID:        ids.NewUUID(),
			EventType:      eventType,
			EntityType:     entityType,
			EntityID:       entityID,
			EntityUUID:     entityUUID,
			Payload:        payload,
			Timestamp:      b.now().UnixMilli(),
		}
		if err := c.write(frame); err != nil {
			b.logger.Warn("subscription delivery failed",
				"subscriptionId", sub.SubscriptionID, "connectionId", c.id, "error", err)
			continue
		}
		delivered++
		if err := b.store.TouchSubscription(ctx, sub.SubscriptionID, b.now()); err != nil {
			b.logger.Error("touch subscription", "subscriptionId", sub.SubscriptionID, "error", err)
		}
	}
	return delivered
}

func matches(sub *store.Subscription, entityType, entityID, eventType string) bool {
	if sub.EntityType != "*" && sub.EntityType != entityType {
		return false
	}
	if sub.EntityID != "" && sub.EntityID != entityID {
		return false
	}
	for _, ev := range sub.Events {
		if ev == "*" || ev == eventType {
			return true
		}
	}
	return false
}

// SweepStale tears down connections silent past the idle limit, deleting
// their subscriptions. Returns how many connections were closed.
func (b *Bus) SweepStale(ctx context.Context) int {
	cutoff := b.now().Add(-connMaxIdle)
	b.mu.Lock()
	var stale []string
	for id, c := range b.conns {
		if c.lastPing.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()
	for _, id := range stale {
		b.RemoveConnection(ctx, id)
	}
	if len(stale) > 0 {
		b.logger.Info("stale connections swept", "count", len(stale))
	}
	return len(stale)
}

// StartSweeper runs SweepStale every interval until stop closes.
func (b *Bus) StartSweeper(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.SweepStale(ctx)
			}
		}
	}()
}

func (b *Bus) send(c *busConn, v any) {
	if err := c.write(v); err != nil {
		b.logger.Warn("reply write failed", "connectionId", c.id, "error", err)
	}
}

func (b *Bus) sendError(c *busConn, msg string) {
	b.send(c, map[string]any{"type": "error", "error": msg})
}
