package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// WSMessage is the event envelope sent over WebSocket.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// WSClient wraps a websocket connection with a per-connection write mutex.
// Gorilla WebSocket requires that writes are not concurrent on the same Conn.
type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send writes a message as JSON to this client.
func (c *WSClient) Send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// WSHub is a broadcast hub for a set of WebSocket clients.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*WSClient]struct{})}
}

// Add registers a connection with the hub and returns the WSClient wrapper.
func (h *WSHub) Add(conn *websocket.Conn) *WSClient {
	c := &WSClient{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Remove unregisters a client and closes its connection.
func (h *WSHub) Remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Len returns the number of registered clients.
func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every client connection.
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		_ = c.conn.Close()
	}
}

// Broadcast marshals msg once and writes it to every client. Write failures
// are ignored; the client's read loop removes it.
func (h *WSHub) Broadcast(msg WSMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, b)
		c.mu.Unlock()
	}
}
