package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ErrSelfConversation is returned when a user tries to open a direct
// conversation with themselves.
var ErrSelfConversation = errors.New("cannot start a conversation with yourself")

const uniqueViolation = "23505"

// ConversationRepository abstracts conversation persistence. IsParticipant
// is the single membership chokepoint; handlers call it before every read
// or write that touches message state.
type ConversationRepository interface {
	CreateOrGetDirect(ctx context.Context, userID int, otherID int) (models.Conversation, bool, error)
	CreateGroup(ctx context.Context, adminID int, name, description string, memberIDs []int) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	ListConversations(ctx context.Context, userID int) ([]models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, is_group, name, description, admin_id, last_message_id, created_at, updated_at`

// CreateOrGetDirect returns the direct conversation for the unordered pair,
// creating it on first contact. The second return value reports whether a
// new conversation was created. Concurrent first contacts race on the
// partial unique index; the loser re-reads the winner's row.
func (r *ConversationRepo) CreateOrGetDirect(ctx context.Context, userID int, otherID int) (models.Conversation, bool, error) {
	if userID == otherID {
		return models.Conversation{}, false, ErrSelfConversation
	}
	low, high := userID, otherID
	if low > high {
		low, high = high, low
	}

	conv, err := r.getDirect(ctx, low, high)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, false, err
	}

	conv, err = r.insertDirect(ctx, userID, otherID, low, high)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			conv, err = r.getDirect(ctx, low, high)
			return conv, false, err
		}
		return models.Conversation{}, false, err
	}
	return conv, true, nil
}

func (r *ConversationRepo) getDirect(ctx context.Context, low, high int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations
        WHERE is_group = FALSE AND direct_user_low = $1 AND direct_user_high = $2`, low, high)
	if err != nil {
		return models.Conversation{}, err
	}
	if err := r.loadParticipants(ctx, &conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (r *ConversationRepo) insertDirect(ctx context.Context, userID, otherID, low, high int) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv models.Conversation
	if err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (is_group, admin_id, direct_user_low, direct_user_high)
        VALUES (FALSE, $1, $2, $3) RETURNING `+conversationColumns, userID, low, high).
		StructScan(&conv); err != nil {
		return models.Conversation{}, err
	}

	// Requester first, so display order matches who initiated contact.
	for pos, id := range []int{userID, otherID} {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id, position)
            VALUES ($1, $2, $3)`, conv.ID, id, pos); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	conv.ParticipantIDs = []int{userID, otherID}
	return conv, nil
}

// CreateGroup creates a group conversation and its participants atomically.
// Groups are never deduplicated; every call produces a fresh conversation.
func (r *ConversationRepo) CreateGroup(ctx context.Context, adminID int, name, description string, memberIDs []int) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv models.Conversation
	if err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (is_group, name, description, admin_id)
        VALUES (TRUE, NULLIF($1, ''), NULLIF($2, ''), $3) RETURNING `+conversationColumns, name, description, adminID).
		StructScan(&conv); err != nil {
		return models.Conversation{}, err
	}

	// Admin is always a participant; duplicates in the request collapse.
	seen := map[int]struct{}{adminID: {}}
	ids := []int{adminID}
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for pos, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id, position)
            VALUES ($1, $2, $3)`, conv.ID, id, pos); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	conv.ParticipantIDs = ids
	return conv, nil
}

// GetConversation fetches a single conversation with its participants.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if err := r.loadParticipants(ctx, &conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recently active
// first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT c.id, c.is_group, c.name, c.description, c.admin_id,
            c.last_message_id, c.created_at, c.updated_at
        FROM conversations c
        INNER JOIN conversation_participants cp ON cp.conversation_id = c.id
        WHERE cp.user_id = $1
        ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return convs, nil
	}

	ids := make([]int, 0, len(convs))
	index := map[int]*models.Conversation{}
	for i := range convs {
		ids = append(ids, convs[i].ID)
		index[convs[i].ID] = &convs[i]
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT conversation_id, user_id FROM conversation_participants
        WHERE conversation_id = ANY($1) ORDER BY conversation_id, position`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var conversationID, participantID int
		if err := rows.Scan(&conversationID, &participantID); err != nil {
			return nil, err
		}
		if conv, ok := index[conversationID]; ok {
			conv.ParticipantIDs = append(conv.ParticipantIDs, participantID)
		}
	}
	return convs, rows.Err()
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversation_participants
        WHERE conversation_id=$1 AND user_id=$2)`, conversationID, userID)
	return exists, err
}

func (r *ConversationRepo) loadParticipants(ctx context.Context, conv *models.Conversation) error {
	return r.db.SelectContext(ctx, &conv.ParticipantIDs, `SELECT user_id FROM conversation_participants
        WHERE conversation_id=$1 ORDER BY position`, conv.ID)
}
