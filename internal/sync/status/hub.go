package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/uuid"
)

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventQueueSnapshot      = "queue.snapshot"
	EventCycleCompleted     = "sync.cycle_completed"
	EventConflictDetected   = "sync.conflict_detected"
	EventEntryCaptured      = "queue.entry_captured"
	EventConnectivityChange = "sync.connectivity"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sendBufSize = 64
)

// Envelope wraps every pushed message.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives events of type t. A client
// with no subscriptions receives everything.
func (c *client) wants(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

// Hub fans queue events out to connected UI clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHub creates a Hub. allowedOrigins restricts browser connections; an
// empty list accepts only same-host requests.
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{
		clients: make(map[string]*client),
		now:     time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every interested client. Clients whose send
// buffer is full are dropped.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	bytes, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		logging.Warn("[WS] Failed to marshal message", map[string]interface{}{"error": err.Error(), "type": eventType})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(eventType) {
			continue
		}
		select {
		case c.send <- bytes:
		default:
			logging.Warn("[WS] Client too slow, disconnecting", map[string]interface{}{"client_id": id})
			close(c.send)
			delete(h.clients, id)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	logging.Info("[WS] Client connected", map[string]interface{}{"client_id": c.id, "total": n})
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	logging.Info("[WS] Client disconnected", map[string]interface{}{"client_id": c.id, "total": n})
}

// deliver queues a direct reply to one client.
func (h *Hub) deliver(c *client, v interface{}) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// Handler upgrades the request and attaches the connection. greet, when
// set, produces the first event sent to the new client alone.
func (h *Hub) Handler(greet func() (eventType string, data interface{})) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("[WS] Failed to upgrade", map[string]interface{}{"error": err.Error()})
			return
		}

		c := &client{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, sendBufSize),
			hub:           h,
			subscriptions: make(map[string]bool),
		}
		h.register(c)

		go c.writePump()
		go c.readPump()

		if greet != nil {
			eventType, data := greet()
			h.deliver(c, Envelope{Type: eventType, Data: data, Timestamp: h.now().UnixMilli()})
		}
	}
}

// clientMessage is what a UI client may send.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events,omitempty"`
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("[WS] Read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.hub.deliver(c, map[string]interface{}{
				"action":     "subscribe_ack",
				"subscribed": msg.Events,
				"timestamp":  c.hub.now().UnixMilli(),
			})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.hub.deliver(c, map[string]interface{}{
				"action":    "pong",
				"timestamp": c.hub.now().UnixMilli(),
			})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
