package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

// Inbound event tags.
const (
	EvtMessage           = "message"
	EvtUserJoined        = "user_joined"
	EvtUserLeft          = "user_left"
	EvtMessageDeleted    = "message_deleted"
	EvtUserBanned        = "user_banned"
	EvtViewerCountUpdate = "viewer_count_update"
	EvtUserUnbanned      = "user_unbanned"
	EvtUserMuted         = "user_muted"
	EvtReaction          = "reaction"
	EvtStreamStatus      = "stream_status"
	EvtSlotsChanged      = "slots_changed"
	EvtSlowMode          = "slow_mode"
	EvtError             = "error"
)

// Event is a server-to-client message. The set of implementations is closed.
type Event interface {
	Tag() string
	event()
}

type Message struct {
	StreamID uuid.UUID          `json:"stream_id"`
	Message  models.ChatMessage `json:"message"`
}

type UserJoined struct {
	StreamID    uuid.UUID  `json:"stream_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	ViewerCount int        `json:"viewer_count"`
}

type UserLeft struct {
	StreamID    uuid.UUID  `json:"stream_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	ViewerCount int        `json:"viewer_count"`
}

type MessageDeleted struct {
	StreamID  uuid.UUID `json:"stream_id"`
	MessageID string    `json:"message_id"`
}

type UserBanned struct {
	StreamID    uuid.UUID `json:"stream_id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

type UserUnbanned struct {
	StreamID uuid.UUID `json:"stream_id"`
	UserID   uuid.UUID `json:"user_id"`
}

type UserMuted struct {
	StreamID uuid.UUID `json:"stream_id"`
	UserID   uuid.UUID `json:"user_id"`
	Until    time.Time `json:"until"`
}

type ViewerCountUpdate struct {
	StreamID uuid.UUID `json:"stream_id"`
	Count    int       `json:"count"`
}

type Reaction struct {
	StreamID  uuid.UUID `json:"stream_id"`
	MessageID string    `json:"message_id"`
	Emoji     string    `json:"emoji"`
	UserID    uuid.UUID `json:"user_id"`
}

type StreamStatus struct {
	StreamID uuid.UUID            `json:"stream_id"`
	Status   models.SessionStatus `json:"status"`
	Quality  models.QualityTier   `json:"quality"`
}

type SlotsChanged struct {
	StreamID uuid.UUID                `json:"stream_id"`
	Slots    []models.ParticipantSlot `json:"slots"`
}

// SlowMode announces the slow mode delay; zero means off.
type SlowMode struct {
	StreamID     uuid.UUID `json:"stream_id"`
	DelaySeconds int       `json:"delay_seconds"`
}

// Error reports a rejected command to the connection that sent it.
type Error struct {
	Code            apperr.Code `json:"code"`
	Message         string      `json:"message"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
}

func (Message) Tag() string           { return EvtMessage }
func (UserJoined) Tag() string        { return EvtUserJoined }
func (UserLeft) Tag() string          { return EvtUserLeft }
func (MessageDeleted) Tag() string    { return EvtMessageDeleted }
func (UserBanned) Tag() string        { return EvtUserBanned }
func (UserUnbanned) Tag() string      { return EvtUserUnbanned }
func (UserMuted) Tag() string         { return EvtUserMuted }
func (ViewerCountUpdate) Tag() string { return EvtViewerCountUpdate }
func (Reaction) Tag() string          { return EvtReaction }
func (StreamStatus) Tag() string      { return EvtStreamStatus }
func (SlotsChanged) Tag() string      { return EvtSlotsChanged }
func (SlowMode) Tag() string          { return EvtSlowMode }
func (Error) Tag() string             { return EvtError }

func (Message) event()           {}
func (UserJoined) event()        {}
func (UserLeft) event()          {}
func (MessageDeleted) event()    {}
func (UserBanned) event()        {}
func (UserUnbanned) event()      {}
func (UserMuted) event()         {}
func (ViewerCountUpdate) event() {}
func (Reaction) event()          {}
func (StreamStatus) event()      {}
func (SlotsChanged) event()      {}
func (SlowMode) event()          {}
func (Error) event()             {}

// ErrorFor builds the error event for err without leaking its cause.
func ErrorFor(err error, clientMessageID string) Error {
	return Error{
		Code:            apperr.CodeOf(err),
		Message:         apperr.Message(err, "request failed"),
		ClientMessageID: clientMessageID,
	}
}

// EncodeEvent frames ev for the wire.
func EncodeEvent(ev Event) (Envelope, error) {
	return envelope(ev.Tag(), ev)
}

// DecodeEvent returns the typed event carried by env.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Event {
	case EvtMessage:
		return decodeEvent[Message](env)
	case EvtUserJoined:
		return decodeEvent[UserJoined](env)
	case EvtUserLeft:
		return decodeEvent[UserLeft](env)
	case EvtMessageDeleted:
		return decodeEvent[MessageDeleted](env)
	case EvtUserBanned:
		return decodeEvent[UserBanned](env)
	case EvtUserUnbanned:
		return decodeEvent[UserUnbanned](env)
	case EvtUserMuted:
		return decodeEvent[UserMuted](env)
	case EvtViewerCountUpdate:
		return decodeEvent[ViewerCountUpdate](env)
	case EvtReaction:
		return decodeEvent[Reaction](env)
	case EvtStreamStatus:
		return decodeEvent[StreamStatus](env)
	case EvtSlotsChanged:
		return decodeEvent[SlotsChanged](env)
	case EvtSlowMode:
		return decodeEvent[SlowMode](env)
	case EvtError:
		return decodeEvent[Error](env)
	}
	return nil, fmt.Errorf("unknown event %q", env.Event)
}

func decodeEvent[T Event](env Envelope) (Event, error) {
	v, err := decodeInto[T](env)
	if err != nil {
		return nil, err
	}
	return v, nil
}
