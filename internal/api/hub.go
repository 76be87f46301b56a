package api

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

// MessageType discriminates the kinds of message broadcast over /ws.
type MessageType string

const (
	MessageTypeTagEvent MessageType = "tag_event"
	MessageTypeStatus   MessageType = "status"
)

// Message is a single WebSocket broadcast frame.
type Message struct {
	Type      MessageType            `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// wsClient represents a single WebSocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *hub
}

// hub maintains the set of connected WebSocket clients and fans
// broadcast messages out to all of them.
type hub struct {
	clients    map[string]*wsClient
	broadcast  chan Message
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

func newHub() *hub {
	return &hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan Message, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// client is backed up, drop this message for it
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast enqueues a message for delivery to every connected client.
func (h *hub) Broadcast(t MessageType, data map[string]interface{}) {
	h.broadcast <- Message{Type: t, Timestamp: time.Now(), Data: data}
}

// clientCount returns the number of currently connected clients.
func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleConn adopts an upgraded WebSocket connection into the hub.
func (h *hub) handleConn(conn *websocket.Conn) {
	c := &wsClient{
		id:   fmt.Sprintf("client-%d", time.Now().UnixNano()),
		conn: conn,
		send: make(chan Message, 64),
		hub:  h,
	}
	h.register <- c

	go c.writePump()
	c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
