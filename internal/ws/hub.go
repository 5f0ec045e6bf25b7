package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type    string `json:"type"`
	WagerID string `json:"wager_id,omitempty"`
	Data    any    `json:"data"`
}

// Hub fans messages out to websocket clients. Clients subscribe to wager
// rooms explicitly; an authenticated connection is also placed in its
// user's private room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]bool
	conns map[*conn]bool
	log   *zap.Logger
}

type conn struct {
	ws    *websocket.Conn
	send  chan []byte
	hub   *Hub
	rooms map[string]bool
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[string]map[*conn]bool),
		conns: make(map[*conn]bool),
		log:   log.With(zap.String("component", "ws")),
	}
}

func wagerRoom(id string) string { return "wager:" + id }
func userRoom(id string) string  { return "user:" + id }

// PublishWager sends a message to everyone watching a wager.
func (h *Hub) PublishWager(wagerID, msgType string, data any) {
	h.publish(wagerRoom(wagerID), Msg{Type: msgType, WagerID: wagerID, Data: data})
}

// PublishUser sends a message to every open connection of one user.
func (h *Hub) PublishUser(userID, msgType string, data any) {
	h.publish(userRoom(userID), Msg{Type: msgType, Data: data})
}

func (h *Hub) publish(room string, msg Msg) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("marshal message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// Subscribers reports how many connections are in a wager room.
func (h *Hub) Subscribers(wagerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[wagerRoom(wagerID)])
}

// ServeWS upgrades the request. userID may be empty for anonymous viewers.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &conn{
		ws:    wsConn,
		send:  make(chan []byte, 64),
		hub:   h,
		rooms: make(map[string]bool),
	}
	h.mu.Lock()
	h.conns[c] = true
	if userID != "" {
		h.join(c, userRoom(userID))
	}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","wager_id":"..."}
		var sub struct {
			Action  string `json:"action"`
			WagerID string `json:"wager_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil || sub.WagerID == "" {
			continue
		}
		c.hub.mu.Lock()
		switch sub.Action {
		case "subscribe":
			c.hub.join(c, wagerRoom(sub.WagerID))
		case "unsubscribe":
			c.hub.leave(c, wagerRoom(sub.WagerID))
		}
		c.hub.mu.Unlock()
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

// join and leave require h.mu held for writing.
func (h *Hub) join(c *conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]bool)
		h.rooms[room] = members
	}
	members[c] = true
	c.rooms[room] = true
}

func (h *Hub) leave(c *conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	for room := range c.rooms {
		h.leave(c, room)
	}
	close(c.send)
}
