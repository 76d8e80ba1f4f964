package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/eburon/internal/listing"
)

// EventType names the kind of a streamed [Event].
type EventType string

const (
	EventVolume   EventType = "volume"
	EventToolCall EventType = "tool_call"
	EventClose    EventType = "close"
	EventFilter   EventType = "filter"
)

// clientQueueSize bounds the events buffered per connected client. Events for
// a client that falls further behind are dropped.
const clientQueueSize = 64

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Event is one message on the /v1/events feed. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type     EventType       `json:"type"`
	Volume   *Volume         `json:"volume,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Close    *Close          `json:"close,omitempty"`
	Filter   *listing.Result `json:"filter,omitempty"`
}

// Volume carries the input and output levels in [0, 1].
type Volume struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// ToolCall mirrors a tool invocation requested by the remote model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Close reports a session ended by the remote side or a device failure.
// Reason is empty for a normal remote close.
type Close struct {
	Reason string `json:"reason,omitempty"`
}

// Hub fans events out to websocket clients. Publish never blocks; a slow
// client loses events rather than stalling the session.
//
// All exported methods are safe for concurrent use.
type Hub struct {
	origins []string

	mu      sync.Mutex
	clients map[chan Event]struct{}
	closed  bool
}

// NewHub creates a Hub. origins lists extra host patterns allowed to open the
// feed from a browser; same-origin requests are always accepted.
func NewHub(origins ...string) *Hub {
	return &Hub{
		origins: origins,
		clients: make(map[chan Event]struct{}),
	}
}

// Publish delivers ev to every connected client.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			slog.Debug("api: event dropped for slow client", "type", ev.Type)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *Hub) subscribe() (<-chan Event, func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}
	ch := make(chan Event, clientQueueSize)
	h.clients[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	}, true
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the hub closes. Client messages are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe, ok := h.subscribe()
	if !ok {
		http.Error(w, "event feed closed", http.StatusServiceUnavailable)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("api: websocket accept failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer conn.CloseNow()

	// CloseRead drains and discards client frames; ctx ends when the client
	// closes or sends a data frame.
	ctx := conn.CloseRead(context.Background())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("api: event write failed", "err", err)
				}
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
