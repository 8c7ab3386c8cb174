package sync

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 2 * time.Second

// Hub fans library events out to the websocket connections of each user.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*websocket.Conn]string // user -> conn -> device id
	logger  *slog.Logger
}

type Stats struct {
	Users     int `json:"users"`
	WSClients int `json:"ws_clients"`
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*websocket.Conn]string),
		logger:  logger,
	}
}

// AddWS registers ws and greets it with a welcome event. A client that
// has read the welcome is guaranteed to see every later Publish.
func (h *Hub) AddWS(userID, deviceID string, ws *websocket.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	welcome := LibraryEvent{Type: EventWelcome, UserID: userID, DeviceID: deviceID, At: time.Now().UTC()}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(welcome); err != nil {
		return err
	}
	conns, ok := h.clients[userID]
	if !ok {
		conns = make(map[*websocket.Conn]string)
		h.clients[userID] = conns
	}
	conns[ws] = deviceID
	return nil
}

func (h *Hub) RemoveWS(userID string, ws *websocket.Conn) {
	h.mu.Lock()
	h.removeLocked(userID, ws)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(userID string, ws *websocket.Conn) {
	if conns, ok := h.clients[userID]; ok {
		delete(conns, ws)
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
	_ = ws.Close()
}

// Publish sends ev to every connection of ev.UserID. Connections that fail
// to take the write are dropped.
func (h *Hub) Publish(ev LibraryEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ws := range h.clients[ev.UserID] {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
			h.logger.Warn("ws_write_failed", "user_id", ev.UserID, "err", err)
			h.removeLocked(ev.UserID, ws)
		}
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return Stats{Users: len(h.clients), WSClients: n}
}
