package models

import "time"

// Conversation binds a fixed set of participants for message exchange.
// Direct conversations have exactly two participants; group conversations
// carry a name and description and are administered by their creator.
type Conversation struct {
	ID            int       `db:"id" json:"id"`
	IsGroup       bool      `db:"is_group" json:"is_group"`
	Name          *string   `db:"name" json:"name,omitempty"`
	Description   *string   `db:"description" json:"description,omitempty"`
	AdminID       int       `db:"admin_id" json:"admin_id"`
	LastMessageID *int      `db:"last_message_id" json:"last_message_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`

	// ParticipantIDs is loaded alongside the row, in insertion order.
	ParticipantIDs []int `db:"-" json:"participant_ids"`
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID int) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
