package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/directory"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

// directoryClient is the slice of the user-directory API the handlers need
// for read-side identity joins.
type directoryClient interface {
	BulkUsers(ctx context.Context, ids []int) ([]directory.User, error)
}

// MessagingHandler manages the conversation and message endpoints.
type MessagingHandler struct {
	convRepo    repositories.ConversationRepository
	messageRepo repositories.MessageRepository
	users       directoryClient
	hub         *ws.Hub
	audit       *telemetry.AuditEmitter
}

// NewMessagingHandler builds a MessagingHandler.
func NewMessagingHandler(convRepo repositories.ConversationRepository, messageRepo repositories.MessageRepository, users directoryClient, hub *ws.Hub, audit *telemetry.AuditEmitter) *MessagingHandler {
	return &MessagingHandler{
		convRepo:    convRepo,
		messageRepo: messageRepo,
		users:       users,
		hub:         hub,
		audit:       audit,
	}
}

type conversationResponse struct {
	models.Conversation
	Participants []directory.User `json:"participants,omitempty"`
	LastMessage  *models.Message  `json:"last_message,omitempty"`
}

type messageResponse struct {
	models.Message
	Sender *directory.User `json:"sender,omitempty"`
}

// ListConversations returns the requester's conversations, most recently
// active first, with participants resolved to display identities and the
// last message attached as a preview.
func (h *MessagingHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	convs, err := h.convRepo.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	participantIDs := make([]int, 0)
	seen := map[int]struct{}{}
	lastMessageIDs := make([]int, 0)
	for _, conv := range convs {
		for _, id := range conv.ParticipantIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				participantIDs = append(participantIDs, id)
			}
		}
		if conv.LastMessageID != nil {
			lastMessageIDs = append(lastMessageIDs, *conv.LastMessageID)
		}
	}

	userByID, ok := h.resolveUsers(c, participantIDs)
	if !ok {
		return
	}

	previews, err := h.messageRepo.GetMessagesByIDs(c.Request.Context(), lastMessageIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load previews"})
		return
	}

	responses := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		responses = append(responses, h.buildConversationResponse(conv, userByID, previews))
	}

	c.JSON(http.StatusOK, gin.H{"count": len(responses), "conversations": responses})
}

// GetConversation fetches a single conversation the requester belongs to.
func (h *MessagingHandler) GetConversation(c *gin.Context) {
	conversationID, ok := paramID(c, "conversation_id")
	if !ok {
		return
	}

	conv, ok := h.authorizedConversation(c, conversationID)
	if !ok {
		return
	}

	userByID, ok := h.resolveUsers(c, conv.ParticipantIDs)
	if !ok {
		return
	}

	previews := map[int]models.Message{}
	if conv.LastMessageID != nil {
		previews, _ = h.messageRepo.GetMessagesByIDs(c.Request.Context(), []int{*conv.LastMessageID})
	}

	c.JSON(http.StatusOK, gin.H{"conversation": h.buildConversationResponse(conv, userByID, previews)})
}

// CreateConversation resolves a direct conversation (find-or-create for the
// pair) or creates a fresh group.
func (h *MessagingHandler) CreateConversation(c *gin.Context) {
	userID := c.GetInt("userID")

	var req struct {
		ParticipantIDs []int  `json:"participant_ids" binding:"required"`
		IsGroup        bool   `json:"is_group"`
		Name           string `json:"name"`
		Description    string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		conv    models.Conversation
		created bool
		err     error
	)
	if req.IsGroup {
		conv, err = h.convRepo.CreateGroup(c.Request.Context(), userID, req.Name, req.Description, req.ParticipantIDs)
		created = true
	} else {
		if len(req.ParticipantIDs) != 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "direct conversations take exactly one participant"})
			return
		}
		conv, created, err = h.convRepo.CreateOrGetDirect(c.Request.Context(), userID, req.ParticipantIDs[0])
	}
	if err != nil {
		if errors.Is(err, repositories.ErrSelfConversation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
			return
		}
		h.emitAudit(c, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	userByID, ok := h.resolveUsers(c, conv.ParticipantIDs)
	if !ok {
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.emitAudit(c, "INFO", "Conversation created")
	}
	c.JSON(status, gin.H{"conversation": h.buildConversationResponse(conv, userByID, nil)})
}

// GetMessages returns the conversation transcript oldest first with sender
// identities resolved.
func (h *MessagingHandler) GetMessages(c *gin.Context) {
	conversationID, ok := paramID(c, "conversation_id")
	if !ok {
		return
	}

	if _, ok := h.authorizedConversation(c, conversationID); !ok {
		return
	}

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	senderIDs := make([]int, 0, len(msgs))
	seen := map[int]struct{}{}
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	userByID, ok := h.resolveUsers(c, senderIDs)
	if !ok {
		return
	}

	responses := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		responses = append(responses, messageResponse{Message: m, Sender: lookupUser(userByID, m.SenderID)})
	}

	c.JSON(http.StatusOK, gin.H{"count": len(responses), "messages": responses})
}

// PostMessage appends a message to the conversation and fans it out to the
// room. Broadcast failures never fail the request.
func (h *MessagingHandler) PostMessage(c *gin.Context) {
	conversationID, ok := paramID(c, "conversation_id")
	if !ok {
		return
	}

	if _, ok := h.authorizedConversation(c, conversationID); !ok {
		return
	}

	var req struct {
		Content     string                   `json:"content" binding:"required"`
		Attachments []models.AttachmentInput `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	msg, err := h.messageRepo.CreateMessage(c.Request.Context(), conversationID, userID, req.Content, req.Attachments)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	userByID, ok := h.resolveUsers(c, []int{userID})
	if !ok {
		return
	}

	h.hub.BroadcastMessage(conversationID, msg)
	h.emitAudit(c, "INFO", "Message sent")
	c.JSON(http.StatusCreated, gin.H{"message": messageResponse{Message: msg, Sender: lookupUser(userByID, userID)}})
}

// MarkRead records read receipts for every message in the conversation the
// requester has not yet read. Safe to repeat; the second call marks zero.
func (h *MessagingHandler) MarkRead(c *gin.Context) {
	conversationID, ok := paramID(c, "conversation_id")
	if !ok {
		return
	}

	if _, ok := h.authorizedConversation(c, conversationID); !ok {
		return
	}

	userID := c.GetInt("userID")
	marked, err := h.messageRepo.MarkConversationRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}

	h.emitAudit(c, "INFO", "Messages marked read")
	c.JSON(http.StatusOK, gin.H{"marked_read": marked})
}

// DeleteMessage removes a message; only its sender or a platform admin may
// do so. The conversation's last-message pointer is not recomputed.
func (h *MessagingHandler) DeleteMessage(c *gin.Context) {
	conversationID, ok := paramID(c, "conversation_id")
	if !ok {
		return
	}
	messageID, ok := paramID(c, "message_id")
	if !ok {
		return
	}

	conv, ok := h.authorizedConversation(c, conversationID)
	if !ok {
		return
	}

	msg, err := h.messageRepo.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrMessageNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "message not found"})
		return
	}
	if msg.ConversationID != conv.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message does not belong to conversation"})
		return
	}

	userID := c.GetInt("userID")
	if msg.SenderID != userID && c.GetString("userRole") != "admin" {
		h.emitAudit(c, "ERROR", "not allowed to delete message")
		c.JSON(http.StatusForbidden, gin.H{"error": "only the sender or an admin may delete"})
		return
	}

	if err := h.messageRepo.DeleteMessage(c.Request.Context(), messageID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrMessageNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "could not delete message"})
		return
	}

	h.emitAudit(c, "INFO", "Message deleted")
	c.Status(http.StatusNoContent)
}

// UnreadCount reports how many messages authored by others the requester
// has not read, recomputed from stored read state on every call.
func (h *MessagingHandler) UnreadCount(c *gin.Context) {
	userID := c.GetInt("userID")

	count, err := h.messageRepo.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute unread count"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

// authorizedConversation loads the conversation and enforces that the
// requester is a participant. Every conversation-scoped endpoint funnels
// through here; nothing else re-implements the membership check.
func (h *MessagingHandler) authorizedConversation(c *gin.Context, conversationID int) (models.Conversation, bool) {
	conv, err := h.convRepo.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return models.Conversation{}, false
	}

	if !conv.HasParticipant(c.GetInt("userID")) {
		h.emitAudit(c, "ERROR", "not a participant")
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return models.Conversation{}, false
	}
	return conv, true
}

func (h *MessagingHandler) resolveUsers(c *gin.Context, ids []int) (map[int]directory.User, bool) {
	byID := map[int]directory.User{}
	if len(ids) == 0 {
		return byID, true
	}

	users, err := h.users.BulkUsers(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load user info"})
		return nil, false
	}
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID, true
}

func (h *MessagingHandler) buildConversationResponse(conv models.Conversation, userByID map[int]directory.User, previews map[int]models.Message) conversationResponse {
	resp := conversationResponse{Conversation: conv}
	for _, id := range conv.ParticipantIDs {
		if u, ok := userByID[id]; ok {
			resp.Participants = append(resp.Participants, u)
		}
	}
	if conv.LastMessageID != nil && previews != nil {
		if preview, ok := previews[*conv.LastMessageID]; ok {
			resp.LastMessage = &preview
		}
	}
	return resp
}

func (h *MessagingHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}

func lookupUser(userByID map[int]directory.User, id int) *directory.User {
	if u, ok := userByID[id]; ok {
		return &u
	}
	return nil
}

func paramID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}
