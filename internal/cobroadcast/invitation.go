// Package cobroadcast tracks the guests seated next to the host of a live
// session and the invitations that lead to those seats.
package cobroadcast

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// InviteStatus is the lifecycle status of an invitation.
type InviteStatus string

const (
	InvitePending   InviteStatus = "pending"
	InviteAccepted  InviteStatus = "accepted"
	InviteExpired   InviteStatus = "expired"
	InviteCancelled InviteStatus = "cancelled"
)

// Invitation is an outstanding offer of a seat. Delivery is someone else's job.
type Invitation struct {
	Code      string       `json:"code"`
	StreamID  uuid.UUID    `json:"stream_id"`
	InviteeID uuid.UUID    `json:"invitee_id"`
	Status    InviteStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Expired reports whether the invitation can no longer be accepted at now.
func (i Invitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// NewCode returns a random invitation code.
func NewCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
