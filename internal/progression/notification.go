package progression

import (
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/models"
)

// NotificationKind identifies a progression notification.
type NotificationKind string

const (
	NotifyLevelUp            NotificationKind = "level_up"
	NotifyPerkUnlocked       NotificationKind = "perk_unlocked"
	NotifyBadgeEarned        NotificationKind = "badge_earned"
	NotifyChallengeCompleted NotificationKind = "challenge_completed"
)

// Notification is delivered to observers after a progression change.
type Notification struct {
	Kind      NotificationKind  `json:"kind"`
	UserID    uuid.UUID         `json:"user_id"`
	OldLevel  int               `json:"old_level,omitempty"`
	NewLevel  int               `json:"new_level,omitempty"`
	Reason    Reason            `json:"reason,omitempty"`
	Item      *Definition       `json:"item,omitempty"`
	Challenge *models.Challenge `json:"challenge,omitempty"`
	At        time.Time         `json:"at"`
}

// Observer receives progression notifications. Notify runs on the goroutine
// that caused the change, before that call returns, and must not call back
// into the same engine.
type Observer interface {
	Notify(Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notification)

func (f ObserverFunc) Notify(n Notification) { f(n) }

// ChannelObserver forwards notifications to a channel. Sends block when the
// buffer is full, so size it for the burst a single call can produce.
type ChannelObserver struct {
	C chan Notification
}

// NewChannelObserver creates a channel observer with the given buffer.
func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{C: make(chan Notification, buffer)}
}

func (c *ChannelObserver) Notify(n Notification) { c.C <- n }
