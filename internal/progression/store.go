package progression

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
)

const keyPrefix = "progression:"

// Hash fields of a stored progression record.
const (
	fieldExperience = "experience"
	fieldLevel      = "level"
	fieldPerks      = "perks"
	fieldBadges     = "badges"
	fieldDaily      = "daily"
	fieldWeekly     = "weekly"
)

// RedisStore keeps one hash per account. Corrupt fields fall back to their
// zero value independently so one bad field does not discard the rest.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed progression store.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

func storeKey(userID uuid.UUID) string {
	return keyPrefix + userID.String()
}

// Load reads the stored state, returning (nil, nil) when the account has none.
func (s *RedisStore) Load(ctx context.Context, userID uuid.UUID) (*models.Progression, error) {
	fields, err := s.client.HGetAll(ctx, storeKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	log := s.logger.With(zap.String("user_id", userID.String()))
	p := &models.Progression{UserID: userID}
	if v, ok := fields[fieldExperience]; ok {
		xp, err := strconv.ParseInt(v, 10, 64)
		if err != nil || xp < 0 {
			log.Warn("corrupt stored experience, resetting", zap.String("raw", v))
		} else {
			p.Experience = xp
		}
	}
	p.Level = LevelFor(p.Experience)
	decodeField(log, fields, fieldPerks, &p.Perks)
	decodeField(log, fields, fieldBadges, &p.Badges)
	decodeField(log, fields, fieldDaily, &p.Daily)
	decodeField(log, fields, fieldWeekly, &p.Weekly)
	return p, nil
}

// Save writes the full state.
func (s *RedisStore) Save(ctx context.Context, p models.Progression) error {
	perks, err := json.Marshal(nonNil(p.Perks))
	if err != nil {
		return fmt.Errorf("marshal perks: %w", err)
	}
	badges, err := json.Marshal(nonNil(p.Badges))
	if err != nil {
		return fmt.Errorf("marshal badges: %w", err)
	}
	daily, err := json.Marshal(p.Daily)
	if err != nil {
		return fmt.Errorf("marshal daily: %w", err)
	}
	weekly, err := json.Marshal(p.Weekly)
	if err != nil {
		return fmt.Errorf("marshal weekly: %w", err)
	}
	err = s.client.HSet(ctx, storeKey(p.UserID),
		fieldExperience, p.Experience,
		fieldLevel, p.Level,
		fieldPerks, perks,
		fieldBadges, badges,
		fieldDaily, daily,
		fieldWeekly, weekly,
	).Err()
	if err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

func decodeField[T any](log *zap.Logger, fields map[string]string, name string, dst *T) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		log.Warn("corrupt stored progression field, resetting", zap.String("field", name), zap.Error(err))
		return
	}
	*dst = v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
