package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport delivers events over WebSocket connections.
type WSTransport struct {
	*hub
}

// NewWSTransport mirrors NewSSETransport for the WebSocket flavor.
func NewWSTransport(buffer *BufferStore, logger *slog.Logger, heartbeat time.Duration) *WSTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WSTransport{hub: newHub(buffer, logger, heartbeat)}
}

var _ Transport = (*WSTransport)(nil)

// wsSink serializes writes to one websocket connection. gorilla permits a
// single concurrent writer, so all sends go through the mutex.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Send(ev AgUiEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// ServeConn registers conn and blocks reading it until the peer disconnects.
// Incoming messages are discarded; the read loop exists to detect closure
// and answer pings.
func (t *WSTransport) ServeConn(conn *websocket.Conn, clientID, runID string, fromSeq int64) {
	sink := newWSSink(conn)
	if err := t.HandleConnection(clientID, sink, runID, fromSeq); err != nil {
		return
	}
	defer t.Disconnect(clientID)

	conn.SetReadLimit(64 * 1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
