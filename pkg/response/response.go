package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/pkg/apperr"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    apperr.Code `json:"code,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err})
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	c.JSON(http.StatusForbidden, Body{Success: false, Error: err})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err})
}

// Conflict sends 409.
func Conflict(c *gin.Context, err string) {
	c.JSON(http.StatusConflict, Body{Success: false, Error: err})
}

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, err string) {
	c.JSON(http.StatusServiceUnavailable, Body{Success: false, Error: err})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err})
}

// statusFor maps a domain error code to an HTTP status.
var statusFor = map[apperr.Code]int{
	apperr.CodeInvalidTransition: http.StatusConflict,
	apperr.CodePermissionDenied:  http.StatusPreconditionFailed,
	apperr.CodeSlotsFull:         http.StatusConflict,
	apperr.CodeNotConnected:      http.StatusServiceUnavailable,
	apperr.CodeEmptyMessage:      http.StatusBadRequest,
	apperr.CodeInvalidAward:      http.StatusBadRequest,
	apperr.CodeMessageTooLong:    http.StatusBadRequest,
	apperr.CodeRateLimited:       http.StatusTooManyRequests,
	apperr.CodeBanned:            http.StatusForbidden,
	apperr.CodeMuted:             http.StatusForbidden,
	apperr.CodeInvalidConfig:     http.StatusBadRequest,
	apperr.CodeNotFound:          http.StatusNotFound,
	apperr.CodeInviteExpired:     http.StatusGone,
	apperr.CodeForbidden:         http.StatusForbidden,
	apperr.CodeUnknownCommand:    http.StatusBadRequest,
}

// Error sends the status and user-facing message for a domain error. Anything
// without a code is a 500 with a generic message.
func Error(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status, ok := statusFor[code]
	if !ok {
		Internal(c, "internal error")
		return
	}
	c.JSON(status, Body{Success: false, Error: apperr.Message(err, ""), Code: code})
}
