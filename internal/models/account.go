package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a registered user.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AccountPublic is Account without sensitive fields for API responses.
type AccountPublic struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToPublic converts Account to AccountPublic.
func (a *Account) ToPublic() AccountPublic {
	return AccountPublic{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt,
	}
}

// AccountStats are the aggregate counters perks and badges are gated on.
type AccountStats struct {
	Likes         int64 `json:"likes"`
	Followers     int64 `json:"followers"`
	StreamSeconds int64 `json:"stream_seconds"`
}
