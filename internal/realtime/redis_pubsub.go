package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/protocol"
)

const (
	channelPrefix = "stream:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Envelope protocol.Envelope `json:"envelope"`
	At       int64             `json:"at"`
}

// RedisPubSub fans stream events out to every instance through Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for stream events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// PublishStreamEvent publishes an envelope to the stream's Redis channel.
func (r *RedisPubSub) PublishStreamEvent(streamID uuid.UUID, env protocol.Envelope) error {
	body, err := json.Marshal(redisPayload{Envelope: env, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+streamID.String(), body).Err()
}

// SubscribeStream subscribes to a stream's Redis channel and calls handler for
// each envelope, in publish order. The returned cancel stops the subscription.
func (r *RedisPubSub) SubscribeStream(streamID uuid.UUID, handler func(protocol.Envelope)) (cancel func(), err error) {
	channel := channelPrefix + streamID.String()
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Warn("invalid stream event", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(p.Envelope)
			}
		}
	}()
	return cancelCtx, nil
}
