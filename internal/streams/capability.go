package streams

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-live/backend/pkg/apperr"
)

// CapabilityProvider answers whether the broadcaster's device granted camera
// and microphone access. AwaitCapture returns nil when granted and a
// PermissionDenied error when denied or when no answer came in time.
type CapabilityProvider interface {
	AwaitCapture(ctx context.Context, streamID uuid.UUID) error
}

// CaptureGrant is what the broadcaster's device reports.
type CaptureGrant struct {
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
}

// Granted reports whether both capture permissions were given.
func (g CaptureGrant) Granted() bool {
	return g.Camera && g.Microphone
}

// PolledCapability collects grants reported by clients and polls them on
// behalf of a go-live request.
type PolledCapability struct {
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	grants map[uuid.UUID]CaptureGrant
}

// NewPolledCapability creates a provider polling every interval for at most timeout.
func NewPolledCapability(interval, timeout time.Duration) *PolledCapability {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PolledCapability{interval: interval, timeout: timeout, grants: make(map[uuid.UUID]CaptureGrant)}
}

// Report records the latest grant for a stream.
func (p *PolledCapability) Report(streamID uuid.UUID, g CaptureGrant) {
	p.mu.Lock()
	p.grants[streamID] = g
	p.mu.Unlock()
}

// Forget drops what was reported for a stream.
func (p *PolledCapability) Forget(streamID uuid.UUID) {
	p.mu.Lock()
	delete(p.grants, streamID)
	p.mu.Unlock()
}

// AwaitCapture polls until a grant for streamID is reported. A denial is
// consumed so that a retry waits for a fresh report.
func (p *PolledCapability) AwaitCapture(ctx context.Context, streamID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if done, err := p.check(streamID); done {
			return err
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.CodePermissionDenied, "timed out waiting for camera and microphone access", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *PolledCapability) check(streamID uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.grants[streamID]
	if !ok {
		return false, nil
	}
	if g.Granted() {
		return true, nil
	}
	delete(p.grants, streamID)
	return true, apperr.ErrPermissionDenied
}
