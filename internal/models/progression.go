package models

import (
	"time"

	"github.com/google/uuid"
)

// ChallengeType is the activity a challenge counts.
type ChallengeType string

const (
	ChallengeStreamsStarted ChallengeType = "streams_started"
	ChallengeStreamMinutes  ChallengeType = "stream_minutes"
	ChallengeChatMessages   ChallengeType = "chat_messages"
	ChallengeLikesReceived  ChallengeType = "likes_received"
	ChallengeCoBroadcasts   ChallengeType = "co_broadcasts"
)

// ChallengePeriod is the time box of a challenge.
type ChallengePeriod string

const (
	PeriodDaily  ChallengePeriod = "daily"
	PeriodWeekly ChallengePeriod = "weekly"
)

// Challenge is one active challenge instance for an account.
type Challenge struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Type        ChallengeType   `json:"type"`
	Period      ChallengePeriod `json:"period"`
	Target      int             `json:"target"`
	Progress    int             `json:"progress"`
	Reward      int64           `json:"reward"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Completed reports whether the reward has already been granted.
func (c *Challenge) Completed() bool {
	return c.CompletedAt != nil
}

// Progression is the persistent progression state of one account.
type Progression struct {
	UserID     uuid.UUID   `json:"user_id"`
	Experience int64       `json:"experience"`
	Level      int         `json:"level"`
	Perks      []string    `json:"perks"`
	Badges     []string    `json:"badges"`
	Daily      []Challenge `json:"daily"`
	Weekly     []Challenge `json:"weekly"`
}

// Clone returns a deep copy.
func (p Progression) Clone() Progression {
	p.Perks = append([]string(nil), p.Perks...)
	p.Badges = append([]string(nil), p.Badges...)
	p.Daily = cloneChallenges(p.Daily)
	p.Weekly = cloneChallenges(p.Weekly)
	return p
}

func cloneChallenges(in []Challenge) []Challenge {
	if in == nil {
		return nil
	}
	out := make([]Challenge, len(in))
	for i, c := range in {
		if c.CompletedAt != nil {
			t := *c.CompletedAt
			c.CompletedAt = &t
		}
		out[i] = c
	}
	return out
}
