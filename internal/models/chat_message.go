package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies chat entries.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindEmoji       MessageKind = "emoji"
	KindLike        MessageKind = "like"
	KindGift        MessageKind = "gift"
	KindFollow      MessageKind = "follow"
	KindSystemJoin  MessageKind = "system_join"
	KindSystemLeave MessageKind = "system_leave"
	KindSystem      MessageKind = "system"
)

// IsSystem reports whether the kind is generated by the system rather than a user.
func (k MessageKind) IsSystem() bool {
	return k == KindSystem || k == KindSystemJoin || k == KindSystemLeave
}

// Reaction is the tally for one emoji on a message.
type Reaction struct {
	Count   int         `json:"count"`
	UserIDs []uuid.UUID `json:"user_ids"`
}

// ChatMessage is one entry in a session's chat log.
type ChatMessage struct {
	ID              string              `json:"id"`
	ClientMessageID string              `json:"client_message_id,omitempty"`
	AuthorID        *uuid.UUID          `json:"author_id,omitempty"`
	AuthorName      string              `json:"author_name"`
	Body            string              `json:"body"`
	CreatedAt       time.Time           `json:"created_at"`
	Kind            MessageKind         `json:"kind"`
	Hidden          bool                `json:"hidden,omitempty"`
	Reactions       map[string]Reaction `json:"reactions,omitempty"`
	Local           bool                `json:"local,omitempty"`
	Failed          bool                `json:"failed,omitempty"`
}

// AuthoredBy reports whether the message was written by userID.
func (m *ChatMessage) AuthoredBy(userID uuid.UUID) bool {
	return m.AuthorID != nil && *m.AuthorID == userID
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m ChatMessage) Clone() ChatMessage {
	if m.AuthorID != nil {
		id := *m.AuthorID
		m.AuthorID = &id
	}
	if m.Reactions != nil {
		reactions := make(map[string]Reaction, len(m.Reactions))
		for emoji, r := range m.Reactions {
			r.UserIDs = append([]uuid.UUID(nil), r.UserIDs...)
			reactions[emoji] = r
		}
		m.Reactions = reactions
	}
	return m
}
