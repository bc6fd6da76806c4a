// TraceStreamer pushes newly-appended events to connected operators over
// WebSocket, an optional live view layered on top of the poll-based
// /events and /trace endpoints (§4.7). The hub shape — register/
// unregister/broadcast channels serialized through one goroutine, a
// per-connection writer loop — is adapted from the teacher's DAG
// streamer hub in internal/websocket/dag_streamer.go.
package feed

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/labctl/fieldplane/internal/envelope"
)

// TraceStreamer broadcasts envelopes to every subscribed WebSocket client.
type TraceStreamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *envelope.Envelope
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewTraceStreamer builds an idle hub; call Run in its own goroutine.
func NewTraceStreamer() *TraceStreamer {
	return &TraceStreamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *envelope.Envelope, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serializes client (de)registration and fan-out through one
// goroutine, matching the teacher hub's single-writer-per-broadcast
// pattern.
func (ts *TraceStreamer) Run() {
	for {
		select {
		case client := <-ts.register:
			ts.mu.Lock()
			ts.clients[client] = true
			ts.mu.Unlock()

		case client := <-ts.unregister:
			ts.mu.Lock()
			if _, ok := ts.clients[client]; ok {
				delete(ts.clients, client)
				client.Close()
			}
			ts.mu.Unlock()

		case ev := <-ts.broadcast:
			ts.mu.RLock()
			for client := range ts.clients {
				if err := client.WriteJSON(ev); err != nil {
					slog.Warn("feed: trace stream write failed, dropping client", "error", err)
					client.Close()
					delete(ts.clients, client)
				}
			}
			ts.mu.RUnlock()
		}
	}
}

// HandleWebSocket upgrades one connection onto the stream. §4.7's live
// view is read-only: any inbound message just keeps the read loop primed
// to notice disconnects.
func (ts *TraceStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("feed: websocket upgrade failed", "error", err)
		return
	}
	ts.register <- conn

	go func() {
		defer func() { ts.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish fans an envelope out to every connected client. Non-blocking:
// a full queue drops the event rather than stalling the caller (this is
// a convenience view, not an audit surface).
func (ts *TraceStreamer) Publish(ev *envelope.Envelope) {
	select {
	case ts.broadcast <- ev:
	default:
		slog.Warn("feed: trace stream backlog full, dropping event", "type", ev.Type)
	}
}
