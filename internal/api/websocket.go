package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/metrics"
	"github.com/stakeboard/stakeboard/internal/util"
)

// WebSocket message types.
const (
	MessageSnapshot = "snapshot"
	MessageEstimate = "estimate"
	MessageInput    = "input"
	MessagePing     = "ping"
	MessagePong     = "pong"
	MessageError    = "error"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 54 * time.Second
	wsReadLimit   = 64 * 1024
	wsSendBuffer  = 32
	wsInputWindow = 15 * time.Second
)

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// outgoingMessage is marshalled once per broadcast.
type outgoingMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WebSocketClient represents a connected WebSocket client
type WebSocketClient struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
	ctx  context.Context

	// onInput applies an input message and returns the reply.
	onInput func(ctx context.Context, req InputRequest) outgoingMessage
}

// WebSocketHub fans snapshots out to connected clients
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan []byte
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mu         sync.RWMutex

	metrics *metrics.PrometheusCollector
}

// NewWebSocketHub creates a new WebSocket hub. collector may be nil.
func NewWebSocketHub(collector *metrics.PrometheusCollector) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		metrics:    collector,
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncrementWSClients()
			}
			logging.Debug("WebSocket client connected",
				"clients", h.ClientCount(),
				logging.Component("websocket"))

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				h.drop(client)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes client and closes its send channel. Caller holds h.mu.
func (h *WebSocketHub) drop(client *WebSocketClient) {
	delete(h.clients, client)
	close(client.send)
	if h.metrics != nil {
		h.metrics.DecrementWSClients()
	}
}

// Broadcast sends a message to all clients. It drops the message when the
// hub is stopped or its queue is full.
func (h *WebSocketHub) Broadcast(eventType string, data any) {
	payload, err := json.Marshal(outgoingMessage{Type: eventType, Data: data})
	if err != nil {
		logging.Warn("failed to encode broadcast", logging.Err(err), logging.Component("websocket"))
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	default:
		logging.Warn("WebSocket broadcast queue full", "type", eventType, logging.Component("websocket"))
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads client messages until the connection fails.
func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error",
					logging.Err(err),
					logging.Component("websocket"))
			}
			return
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump writes queued messages and keepalive pings.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) handleMessage(msg *WebSocketMessage) {
	switch msg.Type {
	case MessagePing:
		c.sendMessage(outgoingMessage{Type: MessagePong})
	case MessageInput:
		var req InputRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendMessage(outgoingMessage{Type: MessageError, Data: "invalid input message"})
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, wsInputWindow)
		defer cancel()
		c.sendMessage(c.onInput(ctx, req))
	default:
		c.sendMessage(outgoingMessage{Type: MessageError, Data: "unknown message type " + msg.Type})
	}
}

// sendMessage queues a direct reply. The hub may close send concurrently, so
// the write goes through the hub lock.
func (c *WebSocketClient) sendMessage(msg outgoingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		// Buffer full
	}
}

// handleWebSocket handles GET /ws. The first message is the current snapshot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			logging.Err(err),
			logging.Component("websocket"))
		return
	}

	client := &WebSocketClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		ctx:  s.runContext(),
		onInput: func(ctx context.Context, req InputRequest) outgoingMessage {
			view, err := s.applyInput(ctx, req)
			if err != nil {
				return outgoingMessage{Type: MessageError, Data: err.Error()}
			}
			return outgoingMessage{Type: MessageEstimate, Data: view}
		},
	}

	initial, err := json.Marshal(outgoingMessage{
		Type: MessageSnapshot,
		Data: NewSnapshotView(s.svc.Snapshot(), s.svc.Registry()),
	})
	if err == nil {
		client.send <- initial
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	util.GoTracked(&s.wg, "ws-write", client.writePump)
	util.GoTracked(&s.wg, "ws-read", client.readPump)
}
