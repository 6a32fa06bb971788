package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/protocol"
)

// Action is a moderation action applied to the log. The set is closed.
type Action interface {
	action()
}

// DeleteMessage hides one message.
type DeleteMessage struct {
	MessageID string
}

// BanUser hides everything the user wrote and posts one notice.
type BanUser struct {
	UserID      uuid.UUID
	DisplayName string
	Reason      string
}

// MuteUser blocks sends by the user until Until has passed and a tick ran.
type MuteUser struct {
	UserID uuid.UUID
	Until  time.Time
}

// UnbanUser lifts a ban and any mute.
type UnbanUser struct {
	UserID uuid.UUID
}

func (DeleteMessage) action() {}
func (BanUser) action()       {}
func (MuteUser) action()      {}
func (UnbanUser) action()     {}

// ActionFromEvent maps a moderation event to its action.
func ActionFromEvent(ev protocol.Event) (Action, bool) {
	switch e := ev.(type) {
	case protocol.MessageDeleted:
		return DeleteMessage{MessageID: e.MessageID}, true
	case protocol.UserBanned:
		return BanUser{UserID: e.UserID, DisplayName: e.DisplayName, Reason: e.Reason}, true
	case protocol.UserMuted:
		return MuteUser{UserID: e.UserID, Until: e.Until}, true
	case protocol.UserUnbanned:
		return UnbanUser{UserID: e.UserID}, true
	}
	return nil, false
}
