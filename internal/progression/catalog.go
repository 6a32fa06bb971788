package progression

import (
	"fmt"
	"time"

	"github.com/aura-live/backend/internal/models"
)

// RequirementKind is the account stat a definition is gated on.
type RequirementKind string

const (
	RequireLikes       RequirementKind = "likes"
	RequireFollowers   RequirementKind = "followers"
	RequireLevel       RequirementKind = "level"
	RequireStreamHours RequirementKind = "streamHours"
)

// Requirement is a single numeric threshold compared with >=.
type Requirement struct {
	Kind      RequirementKind `json:"kind"`
	Threshold float64         `json:"threshold"`
}

// Stats is the view of an account the requirements are evaluated against.
type Stats struct {
	Likes       int64
	Followers   int64
	Level       int
	StreamHours float64
}

// SatisfiedBy reports whether s meets the requirement.
func (r Requirement) SatisfiedBy(s Stats) bool {
	switch r.Kind {
	case RequireLikes:
		return float64(s.Likes) >= r.Threshold
	case RequireFollowers:
		return float64(s.Followers) >= r.Threshold
	case RequireLevel:
		return float64(s.Level) >= r.Threshold
	case RequireStreamHours:
		return s.StreamHours >= r.Threshold
	}
	return false
}

// Definition describes one perk or badge.
type Definition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Requirement Requirement `json:"requirement"`
}

// ChallengeTemplate is instantiated into a Challenge each period.
type ChallengeTemplate struct {
	Key    string
	Title  string
	Type   models.ChallengeType
	Period models.ChallengePeriod
	Target int
	Reward int64
}

// Catalog holds every perk, badge and challenge template, in evaluation order.
type Catalog struct {
	Perks      []Definition
	Badges     []Definition
	Challenges []ChallengeTemplate
}

// PerksAtLevel returns the level-gated perks whose threshold is exactly level.
func (c *Catalog) PerksAtLevel(level int) []Definition {
	var out []Definition
	for _, d := range c.Perks {
		if d.Requirement.Kind == RequireLevel && int(d.Requirement.Threshold) == level {
			out = append(out, d)
		}
	}
	return out
}

func (c *Catalog) instantiate(period models.ChallengePeriod, now time.Time) []models.Challenge {
	start, end := periodBounds(period, now)
	var out []models.Challenge
	for _, t := range c.Challenges {
		if t.Period != period {
			continue
		}
		out = append(out, models.Challenge{
			ID:        fmt.Sprintf("%s:%s", t.Key, start.Format("2006-01-02")),
			Title:     t.Title,
			Type:      t.Type,
			Period:    t.Period,
			Target:    t.Target,
			Reward:    t.Reward,
			ExpiresAt: end,
		})
	}
	return out
}

// periodBounds returns the UTC start and end of the daily or weekly period
// containing now. Weeks start on Monday.
func periodBounds(period models.ChallengePeriod, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if period == models.PeriodWeekly {
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	}
	return day, day.AddDate(0, 0, 1)
}

// DefaultCatalog is the catalog shipped with the service.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Perks: []Definition{
			{ID: "custom_emotes", Name: "Custom Emotes", Description: "Use your own emotes in chat", Requirement: Requirement{Kind: RequireLevel, Threshold: 2}},
			{ID: "highlighted_messages", Name: "Highlighted Messages", Description: "Pin a highlighted message in your stream", Requirement: Requirement{Kind: RequireLevel, Threshold: 5}},
			{ID: "hd_co_broadcast", Name: "HD Co-Broadcast", Description: "Invite guests in high quality", Requirement: Requirement{Kind: RequireLevel, Threshold: 10}},
			{ID: "custom_name_color", Name: "Custom Name Color", Description: "Pick your chat name color", Requirement: Requirement{Kind: RequireLevel, Threshold: 20}},
			{ID: "animated_gifts", Name: "Animated Gifts", Description: "Receive animated gifts", Requirement: Requirement{Kind: RequireLikes, Threshold: 1000}},
			{ID: "verified_chat", Name: "Verified Chat", Description: "Verified mark next to your name", Requirement: Requirement{Kind: RequireFollowers, Threshold: 100}},
			{ID: "stream_scheduling", Name: "Stream Scheduling", Description: "Schedule streams in advance", Requirement: Requirement{Kind: RequireStreamHours, Threshold: 10}},
		},
		Badges: []Definition{
			{ID: "rookie_streamer", Name: "Rookie Streamer", Description: "Streamed for an hour", Requirement: Requirement{Kind: RequireStreamHours, Threshold: 1}},
			{ID: "crowd_pleaser", Name: "Crowd Pleaser", Description: "Received 100 likes", Requirement: Requirement{Kind: RequireLikes, Threshold: 100}},
			{ID: "rising_star", Name: "Rising Star", Description: "Reached 1000 followers", Requirement: Requirement{Kind: RequireFollowers, Threshold: 1000}},
			{ID: "marathoner", Name: "Marathoner", Description: "Streamed for 100 hours", Requirement: Requirement{Kind: RequireStreamHours, Threshold: 100}},
			{ID: "veteran", Name: "Veteran", Description: "Reached level 25", Requirement: Requirement{Kind: RequireLevel, Threshold: 25}},
		},
		Challenges: []ChallengeTemplate{
			{Key: "daily_go_live", Title: "Go live today", Type: models.ChallengeStreamsStarted, Period: models.PeriodDaily, Target: 1, Reward: 100},
			{Key: "daily_chatter", Title: "Send 20 chat messages", Type: models.ChallengeChatMessages, Period: models.PeriodDaily, Target: 20, Reward: 50},
			{Key: "daily_likes", Title: "Collect 50 likes", Type: models.ChallengeLikesReceived, Period: models.PeriodDaily, Target: 50, Reward: 75},
			{Key: "weekly_airtime", Title: "Stream for 300 minutes", Type: models.ChallengeStreamMinutes, Period: models.PeriodWeekly, Target: 300, Reward: 500},
			{Key: "weekly_guests", Title: "Co-broadcast 3 times", Type: models.ChallengeCoBroadcasts, Period: models.PeriodWeekly, Target: 3, Reward: 300},
			{Key: "weekly_streams", Title: "Go live 5 times", Type: models.ChallengeStreamsStarted, Period: models.PeriodWeekly, Target: 5, Reward: 400},
		},
	}
}
