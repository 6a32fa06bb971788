package streams

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

// Repository handles stream_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a stream sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, owner_id, title, description, category, visibility, quality, status, capacity,
	created_at, started_at, ended_at, viewer_count, peak_viewers, total_watch_time, likes, chat_messages, engagement_rate`

func scanSession(row pgx.Row) (models.Session, error) {
	var s models.Session
	m := &s.Metrics
	err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &s.Description, &s.Category, &s.Visibility, &s.Quality, &s.Status, &s.Capacity,
		&s.CreatedAt, &s.StartedAt, &s.EndedAt, &m.ViewerCount, &m.PeakViewers, &m.TotalWatchTime, &m.Likes, &m.ChatMessages, &m.EngagementRate)
	return s, err
}

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s models.Session) error {
	const q = `INSERT INTO stream_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	m := s.Metrics
	_, err := r.pool.Exec(ctx, q, s.ID, s.OwnerID, s.Title, s.Description, s.Category, s.Visibility, s.Quality, s.Status, s.Capacity,
		s.CreatedAt, s.StartedAt, s.EndedAt, m.ViewerCount, m.PeakViewers, m.TotalWatchTime, m.Likes, m.ChatMessages, m.EngagementRate)
	if err != nil {
		return fmt.Errorf("insert stream session: %w", err)
	}
	return nil
}

// SaveSession writes the mutable fields of a session.
func (r *Repository) SaveSession(ctx context.Context, s models.Session) error {
	const q = `UPDATE stream_sessions SET quality = $2, status = $3, started_at = $4, ended_at = $5,
		viewer_count = $6, peak_viewers = GREATEST(peak_viewers, $7), total_watch_time = $8, likes = $9,
		chat_messages = $10, engagement_rate = $11, updated_at = NOW()
		WHERE id = $1`
	m := s.Metrics
	tag, err := r.pool.Exec(ctx, q, s.ID, s.Quality, s.Status, s.StartedAt, s.EndedAt,
		m.ViewerCount, m.PeakViewers, m.TotalWatchTime, m.Likes, m.ChatMessages, m.EngagementRate)
	if err != nil {
		return fmt.Errorf("update stream session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// SaveSummary stores the final metrics of an ended session.
func (r *Repository) SaveSummary(ctx context.Context, sum models.SessionSummary) error {
	const q = `UPDATE stream_sessions SET status = $2, ended_at = $3, duration_seconds = $4,
		viewer_count = 0, peak_viewers = GREATEST(peak_viewers, $5), total_watch_time = $6, likes = $7,
		chat_messages = $8, engagement_rate = $9, updated_at = NOW()
		WHERE id = $1`
	m := sum.Metrics
	tag, err := r.pool.Exec(ctx, q, sum.SessionID, sum.Status, sum.EndedAt, sum.DurationSeconds,
		m.PeakViewers, m.TotalWatchTime, m.Likes, m.ChatMessages, m.EngagementRate)
	if err != nil {
		return fmt.Errorf("save session summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// SetTranscriptKey records where the chat transcript of a session was archived.
func (r *Repository) SetTranscriptKey(ctx context.Context, sessionID uuid.UUID, key string) error {
	const q = `UPDATE stream_sessions SET transcript_key = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, sessionID, key)
	return err
}

// TranscriptKey returns the archived transcript key of a session owned by
// ownerID, or ErrNotFound when there is none.
func (r *Repository) TranscriptKey(ctx context.Context, sessionID, ownerID uuid.UUID) (string, error) {
	const q = `SELECT transcript_key FROM stream_sessions WHERE id = $1 AND owner_id = $2`
	var key *string
	err := r.pool.QueryRow(ctx, q, sessionID, ownerID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && (key == nil || *key == "")) {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return *key, nil
}

// GetByID returns one session.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM stream_sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return s, apperr.ErrNotFound
	}
	return s, err
}

// ListByOwner returns a broadcaster's sessions, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM stream_sessions WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// AbandonUnfinished marks sessions left on air by a previous process as ended.
// In-memory controllers do not survive a restart.
func (r *Repository) AbandonUnfinished(ctx context.Context) (int64, error) {
	const q = `UPDATE stream_sessions
		SET status = CASE WHEN status IN ('live', 'paused') THEN 'ended' ELSE 'cancelled' END,
			ended_at = NOW(), viewer_count = 0, updated_at = NOW()
		WHERE status IN ('scheduled', 'starting', 'live', 'paused')`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
