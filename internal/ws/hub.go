package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
)

const wsEventsRoutingKey = "ws_events.messaging"

// Hub maintains the live rooms: for each conversation id, the set of
// websocket connections currently joined to it. State is process-local and
// ephemeral; a connection that drops loses every room association and must
// re-join after reconnecting. Messages published while it was away are not
// replayed.
type Hub struct {
	rooms     map[int]map[*websocket.Conn]bool
	conns     map[*websocket.Conn]ConnInfo
	connRooms map[*websocket.Conn]map[int]bool
	mu        sync.RWMutex

	publisher rabbitmq.Publisher
	log       *zap.SugaredLogger
}

// NewHub creates an empty hub. The publisher may be nil in tests.
func NewHub(publisher rabbitmq.Publisher, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		rooms:     make(map[int]map[*websocket.Conn]bool),
		conns:     make(map[*websocket.Conn]ConnInfo),
		connRooms: make(map[*websocket.Conn]map[int]bool),
		publisher: publisher,
		log:       log,
	}
}

// Register tracks a freshly upgraded connection. It belongs to no room
// until it joins one.
func (h *Hub) Register(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = info
	h.connRooms[conn] = make(map[int]bool)
}

// Unregister drops the connection and all of its room associations.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conversationID := range h.connRooms[conn] {
		h.removeLocked(conversationID, conn)
	}
	delete(h.connRooms, conn)
	delete(h.conns, conn)
}

// Join associates a connection with a conversation room. Membership of the
// conversation is not checked here; the HTTP surface is the authorization
// chokepoint for message reads and writes.
func (h *Hub) Join(conversationID int, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*websocket.Conn]bool)
	}
	h.rooms[conversationID][conn] = true
	if _, ok := h.connRooms[conn]; !ok {
		h.connRooms[conn] = make(map[int]bool)
	}
	h.connRooms[conn][conversationID] = true
}

// Leave removes the association between a connection and a room.
func (h *Hub) Leave(conversationID int, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conversationID, conn)
	if roomSet, ok := h.connRooms[conn]; ok {
		delete(roomSet, conversationID)
	}
}

func (h *Hub) removeLocked(conversationID int, conn *websocket.Conn) {
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// BroadcastMessage fans a persisted message out to every connection joined
// to the conversation's room. Delivery is fire-and-forget: a failed write
// evicts that connection and never fails the originating send.
func (h *Hub) BroadcastMessage(conversationID int, msg models.Message) {
	event := models.MessageEvent{Type: "newMessage", Message: &msg}
	payload, _ := json.Marshal(event)
	h.broadcast(conversationID, payload, nil)
}

// BroadcastTyping sends an ephemeral presence event to the room, excluding
// the emitting connection. Nothing is persisted.
func (h *Hub) BroadcastTyping(conversationID int, userID int, typing bool, exclude *websocket.Conn) {
	eventType := "userTyping"
	if !typing {
		eventType = "userStoppedTyping"
	}
	event := models.TypingEvent{Type: eventType, ConversationID: conversationID, UserID: userID}
	payload, _ := json.Marshal(event)
	h.broadcast(conversationID, payload, exclude)
}

func (h *Hub) broadcast(conversationID int, payload []byte, exclude *websocket.Conn) {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.rooms[conversationID]))
	for conn := range h.rooms[conversationID] {
		if conn != exclude {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Warnw("websocket write failed", "conversation_id", conversationID, "error", err)
			conn.Close()
			h.publishWSError(conversationID, conn, err)
			h.Unregister(conn)
		}
	}
}

// RoomSize reports the number of connections joined to a room.
func (h *Hub) RoomSize(conversationID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (h *Hub) publishWSError(conversationID int, conn *websocket.Conn, cause error) {
	observability.IncWSEvent("ws_error")
	if h.publisher == nil {
		return
	}

	h.mu.RLock()
	info, ok := h.conns[conn]
	h.mu.RUnlock()
	if !ok {
		return
	}

	_ = h.publisher.Publish(context.Background(), wsEventsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_error",
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"conversation_id": conversationID,
				"event":           "ws_error",
				"conn_id":         info.ConnID,
				"duration_ms":     time.Since(info.ConnectedAt).Milliseconds(),
				"reason":          cause.Error(),
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
