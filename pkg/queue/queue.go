package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
)

const (
	// QueueSessions is the Redis list key for ended-session jobs.
	QueueSessions = "worker:sessions"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeSessionSummary JobType = "session_summary"
	JobTypeTranscript     JobType = "transcript"
)

// SessionSummaryPayload is the payload for session summary jobs.
type SessionSummaryPayload struct {
	Summary models.SessionSummary `json:"summary"`
}

// TranscriptPayload is the payload for chat transcript archive jobs.
type TranscriptPayload struct {
	SessionID uuid.UUID            `json:"session_id"`
	OwnerID   uuid.UUID            `json:"owner_id"`
	EndedAt   time.Time            `json:"ended_at"`
	Messages  []models.ChatMessage `json:"messages"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueSessionSummary enqueues a summary job for an ended session.
func (q *Queue) EnqueueSessionSummary(ctx context.Context, payload SessionSummaryPayload) error {
	return q.enqueue(ctx, JobTypeSessionSummary, payload, zap.String("stream_id", payload.Summary.SessionID.String()))
}

// EnqueueTranscript enqueues a transcript archive job.
func (q *Queue) EnqueueTranscript(ctx context.Context, payload TranscriptPayload) error {
	return q.enqueue(ctx, JobTypeTranscript, payload,
		zap.String("stream_id", payload.SessionID.String()), zap.Int("messages", len(payload.Messages)))
}

func (q *Queue) enqueue(ctx context.Context, typ JobType, payload any, fields ...zap.Field) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueSessions, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", append(fields, zap.String("job_id", job.ID), zap.String("type", string(typ)))...)
	return nil
}

// Dequeue blocks until a job is available, timeout elapses or ctx is done.
// A nil job with a nil error means nothing usable was popped.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueSessions).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueSessions, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
