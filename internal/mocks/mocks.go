package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/directory"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateOrGetDirect(ctx context.Context, userID int, otherID int) (models.Conversation, bool, error) {
	args := m.Called(ctx, userID, otherID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationRepositoryMock) CreateGroup(ctx context.Context, adminID int, name, description string, memberIDs []int) (models.Conversation, error) {
	args := m.Called(ctx, adminID, name, description, memberIDs)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, conversationID int, senderID int, content string, attachments []models.AttachmentInput) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content, attachments)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessagesByIDs(ctx context.Context, messageIDs []int) (map[int]models.Message, error) {
	args := m.Called(ctx, messageIDs)
	var msgs map[int]models.Message
	if val := args.Get(0); val != nil {
		msgs = val.(map[int]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) MarkConversationRead(ctx context.Context, conversationID int, readerID int) (int, error) {
	args := m.Called(ctx, conversationID, readerID)
	return args.Int(0), args.Error(1)
}

func (m *MessageRepositoryMock) DeleteMessage(ctx context.Context, messageID int) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) UnreadCount(ctx context.Context, userID int) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type DirectoryClientMock struct {
	mock.Mock
}

func (m *DirectoryClientMock) BulkUsers(ctx context.Context, ids []int) ([]directory.User, error) {
	args := m.Called(ctx, ids)
	var users []directory.User
	if val := args.Get(0); val != nil {
		users = val.([]directory.User)
	}
	return users, args.Error(1)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
