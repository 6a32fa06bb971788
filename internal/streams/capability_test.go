package streams

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aura-live/backend/pkg/apperr"
)

func TestPolledCapability(t *testing.T) {
	p := NewPolledCapability(time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()
	id := uuid.New()

	err := p.AwaitCapture(ctx, id)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err), "no report times out as denied")

	p.Report(id, CaptureGrant{Camera: true})
	assert.ErrorIs(t, p.AwaitCapture(ctx, id), apperr.ErrPermissionDenied)

	go func() {
		time.Sleep(5 * time.Millisecond)
		p.Report(id, CaptureGrant{Camera: true, Microphone: true})
	}()
	assert.NoError(t, p.AwaitCapture(ctx, id))
	assert.NoError(t, p.AwaitCapture(ctx, id), "a grant stays until forgotten")

	p.Forget(id)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(p.AwaitCapture(cancelled, id)))
}
