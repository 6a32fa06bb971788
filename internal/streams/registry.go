package streams

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

// Registry holds the controllers of sessions that have not ended (thread-safe).
type Registry struct {
	deps Deps

	mu          sync.RWMutex
	controllers map[uuid.UUID]*Controller
	creating    map[uuid.UUID]struct{} // owners with a Create in flight
}

// NewRegistry creates a registry whose controllers share deps.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		deps:        deps,
		controllers: make(map[uuid.UUID]*Controller),
		creating:    make(map[uuid.UUID]struct{}),
	}
}

// Create validates cfg and starts a scheduled session for ownerID. An owner
// has at most one session that has not ended.
func (r *Registry) Create(ctx context.Context, ownerID uuid.UUID, ownerName string, cfg Config) (*Controller, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	_, busy := r.creating[ownerID]
	if busy || r.activeForLocked(ownerID) != nil {
		r.mu.Unlock()
		return nil, apperr.New(apperr.CodeInvalidTransition, "an unfinished session already exists")
	}
	r.creating[ownerID] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.creating, ownerID)
		r.mu.Unlock()
	}()

	s := models.Session{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Title:       cfg.Title,
		Description: cfg.Description,
		Category:    cfg.Category,
		Visibility:  cfg.Visibility,
		Quality:     cfg.Quality,
		Status:      models.StatusScheduled,
		Capacity:    cfg.Capacity,
		CreatedAt:   r.deps.Now().UTC(),
	}
	if r.deps.Backend != nil {
		if err := r.deps.Backend.CreateSession(ctx, s); err != nil {
			return nil, err
		}
	}
	c := newController(s, ownerName, r.deps)
	r.mu.Lock()
	r.controllers[s.ID] = c
	r.mu.Unlock()
	r.deps.Logger.Info("session created", zap.String("stream_id", s.ID.String()), zap.String("owner_id", ownerID.String()))
	return c, nil
}

// Get returns the controller of a session that has not been dropped yet.
func (r *Registry) Get(id uuid.UUID) (*Controller, error) {
	r.mu.RLock()
	c := r.controllers[id]
	r.mu.RUnlock()
	if c == nil {
		return nil, apperr.ErrNotFound
	}
	return c, nil
}

// CanPublish reports whether userID may push media into the session: the host
// and seated co-broadcasters can. Ended sessions are not found.
func (r *Registry) CanPublish(id, userID uuid.UUID) (bool, error) {
	c, err := r.Get(id)
	if err != nil {
		return false, err
	}
	s := c.Session()
	if s.Status.Terminal() {
		return false, apperr.ErrNotFound
	}
	if s.Visibility == models.VisibilityPrivate && s.OwnerID != userID && !c.Seated(userID) {
		return false, apperr.ErrNotFound
	}
	return s.OwnerID == userID || c.Seated(userID), nil
}

// ActiveFor returns the owner's non-terminal session, if any.
func (r *Registry) ActiveFor(ownerID uuid.UUID) *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeForLocked(ownerID)
}

func (r *Registry) activeForLocked(ownerID uuid.UUID) *Controller {
	for _, c := range r.controllers {
		s := c.Session()
		if s.OwnerID == ownerID && !s.Status.Terminal() {
			return c
		}
	}
	return nil
}

// List returns snapshots of sessions currently on air, most viewed first.
func (r *Registry) List(visibility models.Visibility) []models.Session {
	r.mu.RLock()
	list := make([]models.Session, 0, len(r.controllers))
	for _, c := range r.controllers {
		s := c.Session()
		if !s.Status.OnAir() || (visibility != "" && s.Visibility != visibility) {
			continue
		}
		list = append(list, s)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].Metrics.ViewerCount != list[j].Metrics.ViewerCount {
			return list[i].Metrics.ViewerCount > list[j].Metrics.ViewerCount
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Run ticks every controller at interval and drops terminal sessions until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.deps.Logger.Info("session ticker started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.deps.Logger.Info("session ticker stopped")
			return
		case <-ticker.C:
			r.tick(ctx, interval)
		}
	}
}

func (r *Registry) tick(ctx context.Context, elapsed time.Duration) {
	for _, c := range r.snapshot() {
		if c.Session().Status.Terminal() {
			r.drop(c.ID())
			continue
		}
		if err := c.Tick(ctx, elapsed); err != nil && apperr.CodeOf(err) != apperr.CodeInvalidTransition {
			r.deps.Logger.Warn("session tick failed", zap.String("stream_id", c.ID().String()), zap.Error(err))
		}
	}
}

func (r *Registry) snapshot() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		list = append(list, c)
	}
	return list
}

func (r *Registry) drop(id uuid.UUID) {
	r.mu.Lock()
	delete(r.controllers, id)
	r.mu.Unlock()
}

// Shutdown ends sessions on air and cancels the ones that never went live.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, c := range r.snapshot() {
		s := c.Session()
		var err error
		switch {
		case s.Status.OnAir():
			err = c.End(ctx)
		case !s.Status.Terminal():
			err = c.Cancel(ctx)
		}
		if err != nil {
			r.deps.Logger.Warn("shutdown session failed", zap.String("stream_id", s.ID.String()), zap.Error(err))
		}
		r.drop(s.ID)
	}
}
