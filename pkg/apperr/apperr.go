// Package apperr defines the coded domain errors shared by the session core.
package apperr

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeSlotsFull         Code = "SLOTS_FULL"
	CodeNotConnected      Code = "NOT_CONNECTED"
	CodeEmptyMessage      Code = "EMPTY_MESSAGE"
	CodeInvalidAward      Code = "INVALID_AWARD"
	CodeMessageTooLong    Code = "MESSAGE_TOO_LONG"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeBanned            Code = "BANNED"
	CodeMuted             Code = "MUTED"
	CodeInvalidConfig     Code = "INVALID_CONFIG"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInviteExpired     Code = "INVITE_EXPIRED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeUnknownCommand    Code = "UNKNOWN_COMMAND"
)

var (
	ErrInvalidTransition = New(CodeInvalidTransition, "operation not allowed in the current session state")
	ErrPermissionDenied  = New(CodePermissionDenied, "camera and microphone access is required to go live")
	ErrSlotsFull         = New(CodeSlotsFull, "all co-broadcast slots are taken")
	ErrNotConnected      = New(CodeNotConnected, "chat is not connected to a live session")
	ErrEmptyMessage      = New(CodeEmptyMessage, "message is empty")
	ErrInvalidAward      = New(CodeInvalidAward, "experience award must be positive")
	ErrMessageTooLong    = New(CodeMessageTooLong, "message is too long")
	ErrRateLimited       = New(CodeRateLimited, "slow mode is on, wait before sending again")
	ErrBanned            = New(CodeBanned, "you are banned from this chat")
	ErrMuted             = New(CodeMuted, "you are muted in this chat")
	ErrInvalidConfig     = New(CodeInvalidConfig, "invalid session configuration")
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrInviteExpired     = New(CodeInviteExpired, "invitation has expired")
	ErrForbidden         = New(CodeForbidden, "not allowed")
	ErrUnknownCommand    = New(CodeUnknownCommand, "unknown chat command")
)

// Error is a domain error carrying a code. Message is user-facing and must not
// contain internal identifiers.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so callers can compare against the
// package sentinels even when the message differs.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Message returns the user-facing message of a coded error, or fallback for
// anything else.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return fallback
}
