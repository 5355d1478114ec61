package server

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/sudocode-ai/sudocode/internal/ids"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same policy as csrfProtect: localhost pages and non-browser clients.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	},
}

// handleWSEvents streams run-scoped events over a WebSocket, replaying
// buffered events from ?from_seq before following live output.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter is required")
		return
	}
	fromSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_seq must be an integer")
			return
		}
		fromSeq = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	s.deps.WS.ServeConn(conn, ids.NewUUID(), runID, fromSeq)
}

// handleWSFederation attaches a federation peer to the subscription bus.
// The peer sends subscribe/unsubscribe/ping frames and receives entity
// event frames until it disconnects or goes idle.
func (s *Server) handleWSFederation(w http.ResponseWriter, r *http.Request) {
	remoteRepo := r.URL.Query().Get("remote_repo")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	bus := s.deps.Federation.Bus()
	connID := bus.AddConnection(conn, remoteRepo)
	defer bus.RemoveConnection(s.baseCtx, connID)

	conn.SetPongHandler(func(string) error {
		bus.Touch(connID)
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		bus.Touch(connID)
		bus.HandleMessage(r.Context(), connID, raw)
	}
}
