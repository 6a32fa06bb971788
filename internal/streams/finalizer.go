package streams

import (
	"context"
	"errors"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
)

// QueueFinalizer hands ended sessions to the background worker.
type QueueFinalizer struct {
	queue *queue.Queue
}

// NewQueueFinalizer creates a finalizer backed by the job queue.
func NewQueueFinalizer(q *queue.Queue) *QueueFinalizer {
	return &QueueFinalizer{queue: q}
}

// Finalize enqueues the summary job and, when there was any chat, the
// transcript job. Both are attempted even if one fails.
func (f *QueueFinalizer) Finalize(ctx context.Context, summary models.SessionSummary, transcript []models.ChatMessage) error {
	var errs []error
	if err := f.queue.EnqueueSessionSummary(ctx, queue.SessionSummaryPayload{Summary: summary}); err != nil {
		errs = append(errs, err)
	}
	if len(transcript) > 0 {
		err := f.queue.EnqueueTranscript(ctx, queue.TranscriptPayload{
			SessionID: summary.SessionID,
			OwnerID:   summary.OwnerID,
			EndedAt:   summary.EndedAt,
			Messages:  transcript,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
