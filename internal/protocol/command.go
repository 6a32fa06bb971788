package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

// Outbound command tags.
const (
	CmdJoinStream      = "join_stream"
	CmdLeaveStream     = "leave_stream"
	CmdSendMessage     = "send_message"
	CmdSendLike        = "send_like"
	CmdSendReaction    = "send_reaction"
	CmdDeleteMessage   = "delete_message"
	CmdBanUser         = "ban_user"
	CmdUnbanUser       = "unban_user"
	CmdMuteUser        = "mute_user"
	CmdSetSlowMode     = "set_slow_mode"
	CmdDisableSlowMode = "disable_slow_mode"
)

// Command is a client-to-server message. The set of implementations is closed.
type Command interface {
	Tag() string
	Stream() uuid.UUID
	command()
}

// Base carries the stream every command addresses.
type Base struct {
	StreamID uuid.UUID `json:"stream_id"`
}

func (b Base) Stream() uuid.UUID { return b.StreamID }
func (Base) command()            {}

type JoinStream struct{ Base }

type LeaveStream struct{ Base }

type SendMessage struct {
	Base
	ClientMessageID string             `json:"client_message_id"`
	Body            string             `json:"body"`
	Kind            models.MessageKind `json:"kind,omitempty"`
}

type SendLike struct{ Base }

type SendReaction struct {
	Base
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type DeleteMessage struct {
	Base
	MessageID string `json:"message_id"`
}

type BanUser struct {
	Base
	UserID uuid.UUID `json:"user_id"`
	Reason string    `json:"reason,omitempty"`
}

type UnbanUser struct {
	Base
	UserID uuid.UUID `json:"user_id"`
}

type MuteUser struct {
	Base
	UserID          uuid.UUID `json:"user_id"`
	DurationSeconds int       `json:"duration_seconds"`
}

type SetSlowMode struct {
	Base
	DelaySeconds int `json:"delay_seconds"`
}

type DisableSlowMode struct{ Base }

func (JoinStream) Tag() string      { return CmdJoinStream }
func (LeaveStream) Tag() string     { return CmdLeaveStream }
func (SendMessage) Tag() string     { return CmdSendMessage }
func (SendLike) Tag() string        { return CmdSendLike }
func (SendReaction) Tag() string    { return CmdSendReaction }
func (DeleteMessage) Tag() string   { return CmdDeleteMessage }
func (BanUser) Tag() string         { return CmdBanUser }
func (UnbanUser) Tag() string       { return CmdUnbanUser }
func (MuteUser) Tag() string        { return CmdMuteUser }
func (SetSlowMode) Tag() string     { return CmdSetSlowMode }
func (DisableSlowMode) Tag() string { return CmdDisableSlowMode }

// EncodeCommand frames cmd for the wire.
func EncodeCommand(cmd Command) (Envelope, error) {
	return envelope(cmd.Tag(), cmd)
}

// DecodeCommand validates a frame and returns its typed command. Unknown tags
// yield ErrUnknownCommand.
func DecodeCommand(env Envelope) (Command, error) {
	var (
		cmd Command
		err error
	)
	switch env.Event {
	case CmdJoinStream:
		cmd, err = decodeInto[JoinStream](env)
	case CmdLeaveStream:
		cmd, err = decodeInto[LeaveStream](env)
	case CmdSendMessage:
		var m SendMessage
		m, err = decodeInto[SendMessage](env)
		if err == nil {
			m.Body = strings.TrimSpace(m.Body)
			if m.Kind == "" {
				m.Kind = models.KindText
			}
			if m.Kind.IsSystem() {
				return nil, apperr.New(apperr.CodeForbidden, "system messages cannot be sent")
			}
			if m.Body == "" {
				return nil, apperr.ErrEmptyMessage
			}
		}
		cmd = m
	case CmdSendLike:
		cmd, err = decodeInto[SendLike](env)
	case CmdSendReaction:
		var r SendReaction
		r, err = decodeInto[SendReaction](env)
		if err == nil && (r.MessageID == "" || r.Emoji == "" || utf8.RuneCountInString(r.Emoji) > 8) {
			return nil, fmt.Errorf("send_reaction: message_id and a short emoji are required")
		}
		cmd = r
	case CmdDeleteMessage:
		var d DeleteMessage
		d, err = decodeInto[DeleteMessage](env)
		if err == nil && d.MessageID == "" {
			return nil, fmt.Errorf("delete_message: message_id required")
		}
		cmd = d
	case CmdBanUser:
		var b BanUser
		b, err = decodeInto[BanUser](env)
		if err == nil && b.UserID == uuid.Nil {
			return nil, fmt.Errorf("ban_user: user_id required")
		}
		cmd = b
	case CmdUnbanUser:
		var u UnbanUser
		u, err = decodeInto[UnbanUser](env)
		if err == nil && u.UserID == uuid.Nil {
			return nil, fmt.Errorf("unban_user: user_id required")
		}
		cmd = u
	case CmdMuteUser:
		var m MuteUser
		m, err = decodeInto[MuteUser](env)
		if err == nil && (m.UserID == uuid.Nil || m.DurationSeconds <= 0) {
			return nil, fmt.Errorf("mute_user: user_id and a positive duration_seconds are required")
		}
		cmd = m
	case CmdSetSlowMode:
		var s SetSlowMode
		s, err = decodeInto[SetSlowMode](env)
		if err == nil && s.DelaySeconds <= 0 {
			return nil, fmt.Errorf("set_slow_mode: delay_seconds must be positive")
		}
		cmd = s
	case CmdDisableSlowMode:
		cmd, err = decodeInto[DisableSlowMode](env)
	default:
		return nil, apperr.ErrUnknownCommand
	}
	if err != nil {
		return nil, err
	}
	if cmd.Stream() == uuid.Nil {
		return nil, fmt.Errorf("%s: stream_id required", env.Event)
	}
	return cmd, nil
}
