package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
)

type fakeSessions struct {
	mu        sync.Mutex
	summaries []models.SessionSummary
	keys      map[uuid.UUID]string
	err       error
}

func (f *fakeSessions) SaveSummary(_ context.Context, sum models.SessionSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.summaries = append(f.summaries, sum)
	return nil
}

func (f *fakeSessions) SetTranscriptKey(_ context.Context, id uuid.UUID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[uuid.UUID]string)
	}
	f.keys[id] = key
	return nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summaries)
}

type fakeTotals struct {
	likes, seconds int64
}

func (f *fakeTotals) AddSessionTotals(_ context.Context, _ uuid.UUID, likes, seconds int64) error {
	f.likes += likes
	f.seconds += seconds
	return nil
}

type fakeArchive struct {
	objects map[string][]byte
}

func (f *fakeArchive) PutTranscript(_ context.Context, key string, body []byte) error {
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = body
	return nil
}

func newTestQueue(t *testing.T) (*queue.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewQueue(client, nil), client
}

func TestProcessSummary(t *testing.T) {
	q, _ := newTestQueue(t)
	sessions, totals := &fakeSessions{}, &fakeTotals{}
	p := NewSessionProcessor(sessions, totals, nil, q, nil)
	ctx := context.Background()

	sum := models.SessionSummary{
		SessionID:       uuid.New(),
		OwnerID:         uuid.New(),
		Status:          models.StatusEnded,
		DurationSeconds: 600,
		Metrics:         models.SessionMetrics{Likes: 7, PeakViewers: 40},
	}
	require.NoError(t, q.EnqueueSessionSummary(ctx, queue.SessionSummaryPayload{Summary: sum}))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, p.Process(ctx, job))
	require.Len(t, sessions.summaries, 1)
	assert.Equal(t, sum.SessionID, sessions.summaries[0].SessionID)
	assert.Equal(t, int64(7), totals.likes)
	assert.Equal(t, int64(600), totals.seconds)
}

func TestProcessTranscript(t *testing.T) {
	q, _ := newTestQueue(t)
	sessions, archive := &fakeSessions{}, &fakeArchive{}
	p := NewSessionProcessor(sessions, nil, archive, q, nil)
	ctx := context.Background()

	payload := queue.TranscriptPayload{
		SessionID: uuid.New(),
		OwnerID:   uuid.New(),
		EndedAt:   time.Date(2024, 3, 13, 16, 0, 0, 0, time.UTC),
		Messages:  []models.ChatMessage{{ID: "m1", Body: "gg", Kind: models.KindText}},
	}
	require.NoError(t, q.EnqueueTranscript(ctx, payload))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Process(ctx, job))

	key := "transcripts/" + payload.OwnerID.String() + "/2024/03/" + payload.SessionID.String() + ".json"
	require.Contains(t, archive.objects, key)
	assert.Equal(t, key, sessions.keys[payload.SessionID])

	var got Transcript
	require.NoError(t, json.Unmarshal(archive.objects[key], &got))
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "gg", got.Messages[0].Body)
}

func TestProcessUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	p := NewSessionProcessor(&fakeSessions{}, nil, nil, q, nil)
	assert.Error(t, p.Process(context.Background(), &queue.Job{Type: "recording_upload"}))
}

func TestRunRetriesFailedJobs(t *testing.T) {
	q, client := newTestQueue(t)
	sessions := &fakeSessions{err: errors.New("database is down")}
	p := NewSessionProcessor(sessions, nil, nil, q, nil)
	p.wait = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.EnqueueSessionSummary(ctx, queue.SessionSummaryPayload{Summary: models.SessionSummary{SessionID: uuid.New()}}))
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		n, err := client.LLen(ctx, queue.QueueDLQ).Result()
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, sessions.count())

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}
