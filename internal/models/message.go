package models

import "time"

// Message is a single entry in a conversation transcript.
type Message struct {
	ID             int       `db:"id" json:"id"`
	ConversationID int       `db:"conversation_id" json:"conversation_id"`
	SenderID       int       `db:"sender_id" json:"sender_id"`
	Content        string    `db:"content" json:"content"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`

	Attachments []Attachment  `db:"-" json:"attachments,omitempty"`
	ReadBy      []ReadReceipt `db:"-" json:"read_by,omitempty"`
}

// Attachment is an immutable file reference carried by a message.
type Attachment struct {
	ID        int    `db:"id" json:"id"`
	MessageID int    `db:"message_id" json:"-"`
	Filename  string `db:"filename" json:"filename"`
	URL       string `db:"url" json:"url"`
	Size      int64  `db:"size" json:"size"`
	Mimetype  string `db:"mimetype" json:"mimetype"`
	Position  int    `db:"position" json:"-"`
}

// AttachmentInput is the write-side shape of an attachment.
type AttachmentInput struct {
	Filename string `json:"filename" binding:"required"`
	URL      string `json:"url" binding:"required"`
	Size     int64  `json:"size"`
	Mimetype string `json:"mimetype"`
}

// ReadReceipt records that a user has viewed a message. A user appears at
// most once per message.
type ReadReceipt struct {
	MessageID int       `db:"message_id" json:"-"`
	UserID    int       `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}

// MessageEvent is broadcasted through websockets.
type MessageEvent struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}

// TypingEvent is an ephemeral presence notification; nothing is persisted.
type TypingEvent struct {
	Type           string `json:"type"`
	ConversationID int    `json:"conversation_id"`
	UserID         int    `json:"user_id"`
}
