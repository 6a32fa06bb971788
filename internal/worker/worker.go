package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/storage"
)

const dequeueTimeout = 5 * time.Second

// SummaryStore persists the final state of an ended session.
type SummaryStore interface {
	SaveSummary(ctx context.Context, sum models.SessionSummary) error
	SetTranscriptKey(ctx context.Context, sessionID uuid.UUID, key string) error
}

// AccountTotals accumulates per-account counters used by perk requirements.
type AccountTotals interface {
	AddSessionTotals(ctx context.Context, ownerID uuid.UUID, likes, streamSeconds int64) error
}

// Archive stores encoded transcripts.
type Archive interface {
	PutTranscript(ctx context.Context, key string, body []byte) error
}

// Transcript is the archived form of a session's chat.
type Transcript struct {
	SessionID uuid.UUID            `json:"session_id"`
	OwnerID   uuid.UUID            `json:"owner_id"`
	EndedAt   time.Time            `json:"ended_at"`
	Messages  []models.ChatMessage `json:"messages"`
}

// SessionProcessor finishes ended sessions: it writes their summaries and
// archives their chat transcripts.
type SessionProcessor struct {
	sessions SummaryStore
	accounts AccountTotals
	archive  Archive
	queue    *queue.Queue
	wait     time.Duration
	logger   *zap.Logger
}

// NewSessionProcessor creates an ended-session processor. archive may be nil,
// in which case transcript jobs are dropped.
func NewSessionProcessor(sessions SummaryStore, accounts AccountTotals, archive Archive, q *queue.Queue, logger *zap.Logger) *SessionProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionProcessor{sessions: sessions, accounts: accounts, archive: archive, queue: q, wait: dequeueTimeout, logger: logger}
}

// Process executes one job.
func (p *SessionProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeSessionSummary:
		var payload queue.SessionSummaryPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.summarize(ctx, payload.Summary)
	case queue.JobTypeTranscript:
		var payload queue.TranscriptPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.archiveTranscript(ctx, payload)
	}
	return fmt.Errorf("unknown job type: %s", job.Type)
}

func (p *SessionProcessor) summarize(ctx context.Context, sum models.SessionSummary) error {
	if err := p.sessions.SaveSummary(ctx, sum); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if p.accounts != nil {
		if err := p.accounts.AddSessionTotals(ctx, sum.OwnerID, int64(sum.Metrics.Likes), sum.DurationSeconds); err != nil {
			return fmt.Errorf("add account totals: %w", err)
		}
	}
	p.logger.Info("session summary stored",
		zap.String("stream_id", sum.SessionID.String()),
		zap.Int64("duration_seconds", sum.DurationSeconds),
		zap.Int("peak_viewers", sum.Metrics.PeakViewers))
	return nil
}

func (p *SessionProcessor) archiveTranscript(ctx context.Context, payload queue.TranscriptPayload) error {
	if p.archive == nil {
		p.logger.Warn("no transcript archive configured, dropping transcript", zap.String("stream_id", payload.SessionID.String()))
		return nil
	}
	body, err := json.Marshal(Transcript(payload))
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	key := storage.TranscriptKey(payload.OwnerID.String(), payload.SessionID.String(), payload.EndedAt)
	if err := p.archive.PutTranscript(ctx, key, body); err != nil {
		return err
	}
	if err := p.sessions.SetTranscriptKey(ctx, payload.SessionID, key); err != nil {
		return fmt.Errorf("set transcript key: %w", err)
	}
	p.logger.Info("transcript archived", zap.String("stream_id", payload.SessionID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SessionProcessor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("session worker stopping")
			return
		}
		job, err := p.queue.Dequeue(ctx, p.wait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, job)
	}
}

func (p *SessionProcessor) handle(ctx context.Context, job *queue.Job) {
	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	if err := p.Process(ctx, job); err != nil {
		p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
		if reErr := p.queue.Retry(ctx, job); reErr != nil {
			p.logger.Error("retry enqueue failed", zap.Error(reErr))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
