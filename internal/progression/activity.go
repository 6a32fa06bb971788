package progression

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
)

// Rewards are the experience values granted per activity.
type Rewards struct {
	StreamStarted   int64
	PerStreamMinute int64
	ChatMessage     int64
	LikeReceived    int64
	CoBroadcast     int64
}

// DefaultRewards returns the shipped reward table.
func DefaultRewards() Rewards {
	return Rewards{
		StreamStarted:   50,
		PerStreamMinute: 2,
		ChatMessage:     5,
		LikeReceived:    1,
		CoBroadcast:     25,
	}
}

// Activity translates session activity into awards and challenge progress on
// the acting account's engine. Failures are logged: activity never fails the
// session operation that produced it.
type Activity struct {
	registry *Registry
	rewards  Rewards
	logger   *zap.Logger
}

// NewActivity creates an activity adapter over registry.
func NewActivity(registry *Registry, rewards Rewards, logger *zap.Logger) *Activity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activity{registry: registry, rewards: rewards, logger: logger}
}

// StreamStarted credits the owner for going live.
func (a *Activity) StreamStarted(ctx context.Context, ownerID uuid.UUID) {
	e := a.registry.Engine(ctx, ownerID)
	a.award(ctx, e, a.rewards.StreamStarted, ReasonStreamStarted)
	a.progress(ctx, e, models.ChallengeStreamsStarted, 1)
}

// StreamEnded credits the owner for the minutes streamed.
func (a *Activity) StreamEnded(ctx context.Context, ownerID uuid.UUID, duration time.Duration, peakViewers int) {
	minutes := int(duration / time.Minute)
	a.logger.Info("stream activity recorded",
		zap.String("user_id", ownerID.String()),
		zap.Int("minutes", minutes),
		zap.Int("peak_viewers", peakViewers))
	if minutes <= 0 {
		return
	}
	e := a.registry.Engine(ctx, ownerID)
	a.award(ctx, e, int64(minutes)*a.rewards.PerStreamMinute, ReasonStreamMinutes)
	a.progress(ctx, e, models.ChallengeStreamMinutes, minutes)
}

// ChatMessageSent credits the author of an accepted chat message.
func (a *Activity) ChatMessageSent(ctx context.Context, userID uuid.UUID) {
	e := a.registry.Engine(ctx, userID)
	a.award(ctx, e, a.rewards.ChatMessage, ReasonChatMessage)
	a.progress(ctx, e, models.ChallengeChatMessages, 1)
}

// LikeReceived credits the stream owner for a like.
func (a *Activity) LikeReceived(ctx context.Context, ownerID uuid.UUID) {
	e := a.registry.Engine(ctx, ownerID)
	a.award(ctx, e, a.rewards.LikeReceived, ReasonLikeReceived)
	a.progress(ctx, e, models.ChallengeLikesReceived, 1)
}

// CoBroadcastJoined credits a guest who took a co-broadcast seat.
func (a *Activity) CoBroadcastJoined(ctx context.Context, userID uuid.UUID) {
	e := a.registry.Engine(ctx, userID)
	a.award(ctx, e, a.rewards.CoBroadcast, ReasonCoBroadcast)
	a.progress(ctx, e, models.ChallengeCoBroadcasts, 1)
}

func (a *Activity) award(ctx context.Context, e *Engine, points int64, reason Reason) {
	if points <= 0 {
		return
	}
	if err := e.AwardExperience(ctx, points, reason); err != nil {
		a.logger.Warn("award experience failed", zap.String("user_id", e.UserID().String()), zap.String("reason", string(reason)), zap.Error(err))
	}
}

func (a *Activity) progress(ctx context.Context, e *Engine, typ models.ChallengeType, amount int) {
	if err := e.UpdateProgress(ctx, typ, amount); err != nil {
		a.logger.Warn("challenge progress failed", zap.String("user_id", e.UserID().String()), zap.String("type", string(typ)), zap.Error(err))
	}
}
