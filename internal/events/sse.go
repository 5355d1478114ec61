package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSETransport delivers events to HTTP clients as Server-Sent Events.
type SSETransport struct {
	*hub
}

// NewSSETransport creates a transport that replays from buffer on connect.
// A nil buffer disables replay.
func NewSSETransport(buffer *BufferStore, logger *slog.Logger, heartbeat time.Duration) *SSETransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SSETransport{hub: newHub(buffer, logger, heartbeat)}
}

var _ Transport = (*SSETransport)(nil)

// chanSink buffers events in a channel so broadcasts never block on a slow
// HTTP writer. A full channel counts as a send failure and drops the client.
type chanSink struct {
	ch     chan AgUiEvent
	once   sync.Once
	doneCh chan struct{}
}

func newChanSink(capacity int) *chanSink {
	return &chanSink{
		ch:     make(chan AgUiEvent, capacity),
		doneCh: make(chan struct{}),
	}
}

var errSinkFull = errors.New("client event channel full")

func (s *chanSink) Send(ev AgUiEvent) error {
	select {
	case <-s.doneCh:
		return errors.New("sink closed")
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		return errSinkFull
	}
}

func (s *chanSink) Close() error {
	s.once.Do(func() { close(s.doneCh) })
	return nil
}

// ServeHTTP streams events for runID to one SSE client until the request
// context ends. fromSeq selects the replay starting point.
func (t *SSETransport) ServeHTTP(w http.ResponseWriter, r *http.Request, clientID, runID string, fromSeq int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := newChanSink(1024)
	if err := t.HandleConnection(clientID, sink, runID, fromSeq); err != nil {
		return
	}
	defer t.Disconnect(clientID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.doneCh:
			return
		case ev := <-sink.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			// event/id lines let EventSource clients dispatch by type and
			// resume via Last-Event-ID.
			fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, data)
			flusher.Flush()
		}
	}
}
