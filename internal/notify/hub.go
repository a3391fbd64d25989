package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// Hub keeps one room per user and pushes step events to every connection in the room.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// EmitStepStatusChanged sends the step to the owner's room. Slow or gone connections
// are skipped, nothing is returned to the caller.
func (h *Hub) EmitStepStatusChanged(ownerID string, step *domain.Step) {
	body, err := json.Marshal(models.StepEvent{Event: models.StepStatusChangedEvent, Step: models.MapStepToResponse(step)})
	if err != nil {
		slog.Error("Failed to encode step event", "step_id", step.ID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[ownerID] {
		select {
		case c.send <- body:
		default:
			slog.Warn("Dropping step event for slow client", "user_id", ownerID, "step_id", step.ID)
		}
	}
	slog.Debug("Step event emitted", "user_id", ownerID, "step_id", step.ID, "status", step.Status, "clients", len(h.rooms[ownerID]))
}

// ServeHTTP upgrades GET /ws/processing-queue?userId=<id> and joins the user's room.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.join(c)
	slog.InfoContext(r.Context(), "Client joined processing queue room", "user_id", userID)

	go h.writeLoop(c)
	h.readLoop(c)
}

// Clients returns the number of open connections for a user.
func (h *Hub) Clients(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.userID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// readLoop only handles control frames, clients are not expected to send anything.
func (h *Hub) readLoop(c *client) {
	defer h.leave(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket closed unexpectedly", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("Failed to write step event", "user_id", c.userID, "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}
