package messaging

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sudo-init-do/strathshare/internal/alerts"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans events out to the websocket clients watching each request.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
	log   *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{rooms: make(map[string]map[*client]struct{}), log: log}
}

func (h *Hub) join(requestID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[requestID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[requestID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(requestID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[requestID]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, requestID)
	}
}

// Clients reports how many connections watch requestID.
func (h *Hub) Clients(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[requestID])
}

func (h *Hub) emit(requestID string, evt wsEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("ws marshal failed", "type", evt.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[requestID] {
		select {
		case c.send <- payload:
		default:
			// slow consumer
			h.log.Warn("ws client too slow, dropping event", "request_id", requestID, "user_id", c.userID, "type", evt.Type)
		}
	}
}

// Broadcast pushes a lifecycle event to everyone watching the request.
func (h *Hub) Broadcast(requestID string, ev alerts.Event) {
	h.emit(requestID, wsEvent{Type: ev.Key, Data: ev})
}

var _ alerts.Broadcaster = (*Hub)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serve registers an upgraded connection and blocks until it closes.
func (h *Hub) serve(requestID, userID string, conn *websocket.Conn) {
	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.join(requestID, c)
	h.emit(requestID, wsEvent{Type: "presence_join", Data: map[string]string{"user_id": userID}})

	go c.writePump()

	// server push only; reads just track liveness
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.leave(requestID, c)
	h.emit(requestID, wsEvent{Type: "presence_leave", Data: map[string]string{"user_id": userID}})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
