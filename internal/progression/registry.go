package progression

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry holds one engine per account (thread-safe). Engines are created and
// loaded on first use and kept for the life of the process.
type Registry struct {
	opts Options

	mu        sync.Mutex
	engines   map[uuid.UUID]*Engine
	observers []Observer
}

// NewRegistry creates a registry whose engines share opts.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{opts: opts, engines: make(map[uuid.UUID]*Engine)}
}

// Subscribe attaches o to every current and future engine.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()
	for _, e := range engines {
		e.Subscribe(o)
	}
}

// Engine returns the loaded engine for userID.
func (r *Registry) Engine(ctx context.Context, userID uuid.UUID) *Engine {
	r.mu.Lock()
	e, ok := r.engines[userID]
	if !ok {
		e = NewEngine(userID, r.opts)
		for _, o := range r.observers {
			e.Subscribe(o)
		}
		r.engines[userID] = e
	}
	r.mu.Unlock()
	e.Load(ctx)
	return e
}

// Run ticks every engine at interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.opts.Logger.Info("progression ticker started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.opts.Logger.Info("progression ticker stopped")
			return
		case <-ticker.C:
			r.mu.Lock()
			engines := make([]*Engine, 0, len(r.engines))
			for _, e := range r.engines {
				engines = append(engines, e)
			}
			r.mu.Unlock()
			for _, e := range engines {
				e.Tick(ctx)
			}
		}
	}
}
