package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for conversation messages and
// their read state.
type MessageRepository interface {
	CreateMessage(ctx context.Context, conversationID int, senderID int, content string, attachments []models.AttachmentInput) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	GetMessagesByIDs(ctx context.Context, messageIDs []int) (map[int]models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID int, readerID int) (int, error)
	DeleteMessage(ctx context.Context, messageID int) error
	UnreadCount(ctx context.Context, userID int) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, created_at`

// CreateMessage appends a message and moves the owning conversation's
// last-message pointer in one transaction. Under concurrent sends the
// pointer ends up at whichever transaction commits last, and no append is
// ever lost.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID int, senderID int, content string, attachments []models.AttachmentInput) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var msg models.Message
	if err = tx.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content)
        VALUES ($1, $2, $3) RETURNING `+messageColumns, conversationID, senderID, content).
		StructScan(&msg); err != nil {
		return models.Message{}, err
	}

	for pos, a := range attachments {
		var stored models.Attachment
		if err = tx.QueryRowxContext(ctx, `INSERT INTO message_attachments (message_id, filename, url, size, mimetype, position)
            VALUES ($1, $2, $3, $4, $5, $6)
            RETURNING id, message_id, filename, url, size, mimetype, position`,
			msg.ID, a.Filename, a.URL, a.Size, a.Mimetype, pos).
			StructScan(&stored); err != nil {
			return models.Message{}, err
		}
		msg.Attachments = append(msg.Attachments, stored)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET last_message_id=$1, updated_at=NOW() WHERE id=$2`,
		msg.ID, conversationID); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the full transcript oldest first, with attachments
// and read receipts attached.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]int, 0, len(msgs))
	index := map[int]*models.Message{}
	for i := range msgs {
		ids = append(ids, msgs[i].ID)
		index[msgs[i].ID] = &msgs[i]
	}

	var attachments []models.Attachment
	if err := r.db.SelectContext(ctx, &attachments, `SELECT id, message_id, filename, url, size, mimetype, position
        FROM message_attachments WHERE message_id = ANY($1) ORDER BY message_id, position`, pq.Array(ids)); err != nil {
		return nil, err
	}
	for _, a := range attachments {
		if msg, ok := index[a.MessageID]; ok {
			msg.Attachments = append(msg.Attachments, a)
		}
	}

	var reads []models.ReadReceipt
	if err := r.db.SelectContext(ctx, &reads, `SELECT message_id, user_id, read_at
        FROM message_reads WHERE message_id = ANY($1) ORDER BY message_id, read_at`, pq.Array(ids)); err != nil {
		return nil, err
	}
	for _, receipt := range reads {
		if msg, ok := index[receipt.MessageID]; ok {
			msg.ReadBy = append(msg.ReadBy, receipt)
		}
	}
	return msgs, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// GetMessagesByIDs fetches a batch of messages keyed by id, used for
// last-message previews on conversation lists.
func (r *MessageRepo) GetMessagesByIDs(ctx context.Context, messageIDs []int) (map[int]models.Message, error) {
	byID := make(map[int]models.Message, len(messageIDs))
	if len(messageIDs) == 0 {
		return byID, nil
	}

	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE id = ANY($1)`, pq.Array(messageIDs)); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		byID[m.ID] = m
	}
	return byID, nil
}

// MarkConversationRead records a read receipt for every message in the
// conversation not sent by the reader and not already read by them. The
// (message_id, user_id) primary key makes concurrent calls commutative;
// repeated calls mark nothing new. Returns the newly-marked count.
func (r *MessageRepo) MarkConversationRead(ctx context.Context, conversationID int, readerID int) (int, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO message_reads (message_id, user_id)
        SELECT m.id, $2 FROM messages m
        WHERE m.conversation_id = $1 AND m.sender_id <> $2
        ON CONFLICT (message_id, user_id) DO NOTHING`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	return int(count), err
}

// DeleteMessage removes a message. Authorization (sender or administrative
// role) is the caller's responsibility. The conversation's last-message
// pointer is cleared by the schema, not recomputed.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// UnreadCount recomputes, from stored read state, how many messages
// authored by others the user has not read across all their conversations.
// There is no cached counter to drift.
func (r *MessageRepo) UnreadCount(ctx context.Context, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages m
        INNER JOIN conversation_participants cp
            ON cp.conversation_id = m.conversation_id AND cp.user_id = $1
        WHERE m.sender_id <> $1
        AND NOT EXISTS (
            SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $1
        )`, userID)
	return count, err
}
