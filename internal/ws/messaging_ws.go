package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"messaging-service/internal/auth"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientEvent is the envelope every client-originated frame uses.
type clientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type conversationRef struct {
	ConversationID int `json:"conversation_id"`
}

type sendMessageData struct {
	ConversationID int                      `json:"conversation_id"`
	Content        string                   `json:"content"`
	Attachments    []models.AttachmentInput `json:"attachments"`
}

// MessagingWebSocketHandler upgrades connections and dispatches client
// events to the hub. Client messages sent over the socket are persisted
// through the message store before they are broadcast, so room listeners
// never see a message that does not exist in the transcript.
type MessagingWebSocketHandler struct {
	hub         *Hub
	verifier    *auth.Verifier
	convRepo    repositories.ConversationRepository
	messageRepo repositories.MessageRepository
	publisher   rabbitmq.Publisher
	log         *zap.SugaredLogger
}

// NewMessagingWebSocketHandler constructs the handler.
func NewMessagingWebSocketHandler(hub *Hub, verifier *auth.Verifier, convRepo repositories.ConversationRepository, messageRepo repositories.MessageRepository, publisher rabbitmq.Publisher, log *zap.SugaredLogger) *MessagingWebSocketHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MessagingWebSocketHandler{
		hub:         hub,
		verifier:    verifier,
		convRepo:    convRepo,
		messageRepo: messageRepo,
		publisher:   publisher,
		log:         log,
	}
}

// Handle authenticates, upgrades, and starts the read loop.
func (h *MessagingWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	meta := observability.MetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      identity.UserID,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	h.hub.Register(conn, info)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publishLifecycle(ctx, "ws_connect", info, "")

	go h.readLoop(ctx, conn, identity, info)
}

func (h *MessagingWebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, identity auth.Identity, info ConnInfo) {
	var closeReason string
	defer func() {
		h.hub.Unregister(conn)
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.publishLifecycle(ctx, "ws_disconnect", info, closeReason)
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				h.publishLifecycle(ctx, "ws_error", info, closeReason)
			}
			return
		}

		var event clientEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			h.writeError(conn, "malformed event")
			continue
		}
		h.dispatch(ctx, conn, identity, event)
	}
}

func (h *MessagingWebSocketHandler) dispatch(ctx context.Context, conn *websocket.Conn, identity auth.Identity, event clientEvent) {
	observability.IncWSEvent(event.Event)

	switch event.Event {
	case "joinConversation":
		var ref conversationRef
		if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ConversationID == 0 {
			h.writeError(conn, "conversation_id required")
			return
		}
		h.hub.Join(ref.ConversationID, conn)

	case "leaveConversation":
		var ref conversationRef
		if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ConversationID == 0 {
			h.writeError(conn, "conversation_id required")
			return
		}
		h.hub.Leave(ref.ConversationID, conn)

	case "typing", "stopTyping":
		var ref conversationRef
		if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ConversationID == 0 {
			h.writeError(conn, "conversation_id required")
			return
		}
		h.hub.BroadcastTyping(ref.ConversationID, identity.UserID, event.Event == "typing", conn)

	case "sendMessage":
		h.handleSendMessage(ctx, conn, identity, event.Data)

	default:
		h.writeError(conn, "unknown event")
	}
}

func (h *MessagingWebSocketHandler) handleSendMessage(ctx context.Context, conn *websocket.Conn, identity auth.Identity, data json.RawMessage) {
	var req sendMessageData
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID == 0 || req.Content == "" {
		h.writeError(conn, "conversation_id and content required")
		return
	}

	member, err := h.convRepo.IsParticipant(ctx, req.ConversationID, identity.UserID)
	if err != nil {
		h.writeError(conn, "failed to verify membership")
		return
	}
	if !member {
		h.writeError(conn, "not a participant")
		return
	}

	msg, err := h.messageRepo.CreateMessage(ctx, req.ConversationID, identity.UserID, req.Content, req.Attachments)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			h.writeError(conn, "conversation not found")
			return
		}
		h.log.Errorw("websocket send failed to store message", "conversation_id", req.ConversationID, "error", err)
		h.writeError(conn, "failed to store message")
		return
	}

	h.hub.BroadcastMessage(req.ConversationID, msg)
}

func (h *MessagingWebSocketHandler) writeError(conn *websocket.Conn, reason string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "error": reason})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

func (h *MessagingWebSocketHandler) publishLifecycle(ctx context.Context, name string, info ConnInfo, reason string) {
	if h.publisher == nil {
		return
	}
	_ = h.publisher.Publish(ctx, wsEventsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       name,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
