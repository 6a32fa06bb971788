package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle status of a live session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusStarting  SessionStatus = "starting"
	StatusLive      SessionStatus = "live"
	StatusPaused    SessionStatus = "paused"
	StatusEnded     SessionStatus = "ended"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// OnAir reports whether the session is live or paused.
func (s SessionStatus) OnAir() bool {
	return s == StatusLive || s == StatusPaused
}

// Visibility controls who can discover a session.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// QualityTier is the requested capture quality.
type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityMedium QualityTier = "medium"
	QualityHigh   QualityTier = "high"
	QualityUltra  QualityTier = "ultra"
)

// Valid reports whether q is a known tier.
func (q QualityTier) Valid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh, QualityUltra:
		return true
	}
	return false
}

// Category is the content category of a session.
type Category string

const (
	CategoryGaming    Category = "gaming"
	CategoryMusic     Category = "music"
	CategoryTalk      Category = "talk"
	CategoryEducation Category = "education"
	CategorySports    Category = "sports"
	CategoryArt       Category = "art"
	CategoryOther     Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryGaming, CategoryMusic, CategoryTalk, CategoryEducation, CategorySports, CategoryArt, CategoryOther:
		return true
	}
	return false
}

// MinCapacity and MaxCapacity bound the on-screen seats of a session.
const (
	MinCapacity = 1
	MaxCapacity = 4
)

// SessionMetrics are the cumulative live metrics of a session.
type SessionMetrics struct {
	ViewerCount    int     `json:"viewer_count"`
	PeakViewers    int     `json:"peak_viewers"`
	TotalWatchTime int64   `json:"total_watch_time"` // viewer-seconds
	Likes          int     `json:"likes"`
	ChatMessages   int     `json:"chat_messages"`
	EngagementRate float64 `json:"engagement_rate"`
}

// Session is one live broadcast.
type Session struct {
	ID          uuid.UUID      `json:"id"`
	OwnerID     uuid.UUID      `json:"owner_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Category    Category       `json:"category"`
	Visibility  Visibility     `json:"visibility"`
	Quality     QualityTier    `json:"quality"`
	Status      SessionStatus  `json:"status"`
	Capacity    int            `json:"capacity"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Metrics     SessionMetrics `json:"metrics"`
}

// SessionSummary is the record handed off when a session ends.
type SessionSummary struct {
	SessionID       uuid.UUID      `json:"session_id"`
	OwnerID         uuid.UUID      `json:"owner_id"`
	Status          SessionStatus  `json:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         time.Time      `json:"ended_at"`
	DurationSeconds int64          `json:"duration_seconds"`
	Metrics         SessionMetrics `json:"metrics"`
}

// Viewer is a passive observer of a session. Anonymous viewers have no ID.
type Viewer struct {
	ID         *uuid.UUID `json:"id,omitempty"`
	JoinedAt   time.Time  `json:"joined_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
}
