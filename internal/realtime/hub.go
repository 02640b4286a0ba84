package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dangson92/licensegate/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16

	defaultBufferSize = 64
)

// Message represents a JSON payload delivered to realtime subscribers.
type Message struct {
	Stream string `json:"stream"`
	Event  string `json:"event"`
	Data   any    `json:"data,omitempty"`
}

type controlMessage struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

// Hub coordinates multiplexed realtime streams for connected admin clients.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]map[string]map[*connection]struct{}
	upgrader      websocket.Upgrader
	log           *zap.Logger
}

// NewHub constructs a realtime hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[string]map[string]map[*connection]struct{}),
		log:           logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || strings.Contains(origin, r.Host)
			},
		},
	}
}

// Serve upgrades the HTTP connection to a WebSocket and registers the client
// with the provided streams.
func (h *Hub) Serve(userID string, streams []string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := newConnection(h, conn, userID)
	h.subscribe(client, streams)

	go client.writeLoop()
	client.readLoop()
}

// ActiveConnections reports the number of distinct websocket clients currently
// registered across all streams.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*connection]struct{})
	for _, clientsByUser := range h.subscriptions {
		for _, clients := range clientsByUser {
			for client := range clients {
				seen[client] = struct{}{}
			}
		}
	}
	return len(seen)
}

// BroadcastToUser delivers a message to all connections for the supplied user on a stream.
func (h *Hub) BroadcastToUser(stream, userID string, message Message) {
	stream = strings.TrimSpace(stream)
	if stream == "" || userID == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	clientsByUser, ok := h.subscriptions[stream]
	if !ok {
		return
	}

	message.Stream = stream
	for client := range clientsByUser[userID] {
		h.enqueue(client, message)
	}
}

// BroadcastStream delivers a message to every subscriber listening on the provided stream.
func (h *Hub) BroadcastStream(stream string, message Message) {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	clientsByUser, ok := h.subscriptions[stream]
	if !ok {
		return
	}

	message.Stream = stream
	for _, clients := range clientsByUser {
		for client := range clients {
			h.enqueue(client, message)
		}
	}
}

func (h *Hub) subscribe(client *connection, streams []string) {
	if len(streams) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, stream := range streams {
		stream = strings.TrimSpace(stream)
		if stream == "" {
			continue
		}
		if client.streams == nil {
			client.streams = make(map[string]struct{})
		}
		if _, exists := client.streams[stream]; exists {
			continue
		}

		if h.subscriptions[stream] == nil {
			h.subscriptions[stream] = make(map[string]map[*connection]struct{})
		}
		if h.subscriptions[stream][client.userID] == nil {
			h.subscriptions[stream][client.userID] = make(map[*connection]struct{})
		}

		client.streams[stream] = struct{}{}
		h.subscriptions[stream][client.userID][client] = struct{}{}
	}
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for stream := range client.streams {
		clientsByUser, ok := h.subscriptions[stream]
		if !ok {
			continue
		}

		userClients := clientsByUser[client.userID]
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(clientsByUser, client.userID)
		}
		if len(clientsByUser) == 0 {
			delete(h.subscriptions, stream)
		}
	}
}

func (h *Hub) enqueue(client *connection, message Message) {
	select {
	case client.send <- message:
	default:
		h.log.Warn("dropping backpressure client", zap.String("user_id", client.userID))
		// enqueue runs under the hub read lock; close() re-enters the hub to
		// unregister, so it must not run on this goroutine.
		go client.close()
	}
}

type connection struct {
	hub     *Hub
	socket  *websocket.Conn
	userID  string
	streams map[string]struct{}
	send    chan Message
	once    sync.Once
}

func newConnection(hub *Hub, conn *websocket.Conn, userID string) *connection {
	return &connection{
		hub:    hub,
		socket: conn,
		userID: userID,
		send:   make(chan Message, defaultBufferSize),
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.send)
		_ = c.socket.Close()
	})
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			return
		}

		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "subscribe":
			c.hub.subscribe(c, ctrl.Streams)
		case "ping":
			c.send <- Message{Event: "pong"}
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
