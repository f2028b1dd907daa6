package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arcflow/agentqueue/manager"
	"github.com/arcflow/agentqueue/run"
)

// maxStreamClients caps concurrent WebSocket subscribers.
const maxStreamClients = 200

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is one broadcast frame: either a chunk of run output
// or a lifecycle event, matching the Stream Bus's two feeds (spec
// §4.6) fanned out to external subscribers over one connection.
type streamMessage struct {
	Type      string `json:"type"` // "chunk" or "event"
	RunID     string `json:"run_id"`
	Content   string `json:"content,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// streamHub fans out Manager callback events to every connected
// WebSocket client over a single-goroutine register/unregister/
// broadcast loop, pushed on each Manager callback rather than polled
// on a fixed tick since the Manager already delivers events as they
// happen.
type streamHub struct {
	mgr    *manager.Manager
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan streamMessage
}

func newStreamHub(mgr *manager.Manager, logger *zap.Logger) *streamHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &streamHub{
		mgr:        mgr,
		logger:     logger,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan streamMessage, 256),
	}
	mgr.OnOutput(func(runID, content string) { h.broadcastChunk(runID, content) })
	mgr.OnComplete(func(runID string, _ *run.Run) { h.broadcastEvent(runID, "run_completed") })
	mgr.OnError(func(runID, _ string) { h.broadcastEvent(runID, "run_failed") })
	return h
}

func (h *streamHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn("stream connection rejected, max clients reached", zap.Int("max_clients", maxStreamClients))
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					go func(c *websocket.Conn) { h.unregister <- c }(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *streamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

func (h *streamHub) broadcastChunk(runID, content string) {
	h.broadcast <- streamMessage{Type: "chunk", RunID: runID, Content: content, Timestamp: time.Now().Unix()}
}

func (h *streamHub) broadcastEvent(runID, kind string) {
	h.broadcast <- streamMessage{Type: "event", RunID: runID, Kind: kind, Timestamp: time.Now().Unix()}
}

// serveWS upgrades the request and registers the connection, then
// runs a read pump purely to detect disconnects — this hub is
// push-only, so it never expects inbound application messages, only
// ping/pong control frames.
func (h *streamHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.register <- conn
	defer func() { h.unregister <- conn }()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}
	}
}
