package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

// ErrEmailTaken is returned when registering an email that already exists.
var ErrEmailTaken = errors.New("email already registered")

// Repository handles account persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an account repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns an account by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	const q = `SELECT id, email, password_hash, display_name, created_at, updated_at FROM accounts WHERE id = $1`
	return r.getOne(ctx, q, id)
}

// GetByEmail returns an account by email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	const q = `SELECT id, email, password_hash, display_name, created_at, updated_at FROM accounts WHERE email = lower($1)`
	return r.getOne(ctx, q, email)
}

func (r *Repository) getOne(ctx context.Context, q string, arg any) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, q, arg).Scan(&a.ID, &a.Email, &a.PasswordHash, &a.DisplayName, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Create inserts a new account.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName string) (*models.Account, error) {
	const q = `INSERT INTO accounts (email, password_hash, display_name)
		VALUES (lower($1), $2, $3)
		RETURNING id, email, password_hash, display_name, created_at, updated_at`
	var a models.Account
	err := r.pool.QueryRow(ctx, q, email, passwordHash, displayName).
		Scan(&a.ID, &a.Email, &a.PasswordHash, &a.DisplayName, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return &a, nil
}

// Stats returns the aggregate counters used by the progression unlock scan.
func (r *Repository) Stats(ctx context.Context, userID uuid.UUID) (models.AccountStats, error) {
	const q = `SELECT a.likes_received, a.stream_seconds,
		(SELECT COUNT(*) FROM follows f WHERE f.followee_id = a.id)
		FROM accounts a WHERE a.id = $1`
	var s models.AccountStats
	err := r.pool.QueryRow(ctx, q, userID).Scan(&s.Likes, &s.StreamSeconds, &s.Followers)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, apperr.ErrNotFound
	}
	return s, err
}

// AddSessionTotals adds the likes and on-air time of an ended session to the owner's counters.
func (r *Repository) AddSessionTotals(ctx context.Context, ownerID uuid.UUID, likes, streamSeconds int64) error {
	const q = `UPDATE accounts SET likes_received = likes_received + $2, stream_seconds = stream_seconds + $3, updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, ownerID, likes, streamSeconds)
	return err
}

// Follow records that followerID follows followeeID. Following twice is a no-op.
func (r *Repository) Follow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	const q = `INSERT INTO follows (follower_id, followee_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.pool.Exec(ctx, q, followerID, followeeID)
	return err
}

// Unfollow removes a follow, if present.
func (r *Repository) Unfollow(ctx context.Context, followerID, followeeID uuid.UUID) error {
	const q = `DELETE FROM follows WHERE follower_id = $1 AND followee_id = $2`
	_, err := r.pool.Exec(ctx, q, followerID, followeeID)
	return err
}
