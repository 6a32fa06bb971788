package streams

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/progression"
	"github.com/aura-live/backend/internal/protocol"
	"github.com/aura-live/backend/internal/realtime"
	"github.com/aura-live/backend/pkg/apperr"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBackend struct {
	mu       sync.Mutex
	created  []models.Session
	saved    []models.Session
	failSave bool
	onSave   func(ctx context.Context, s models.Session)
}

func (b *fakeBackend) CreateSession(_ context.Context, s models.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, s)
	return nil
}

func (b *fakeBackend) SaveSession(ctx context.Context, s models.Session) error {
	b.mu.Lock()
	hook := b.onSave
	b.mu.Unlock()
	if hook != nil {
		hook(ctx, s)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if b.failSave {
		return errors.New("connection refused")
	}
	b.saved = append(b.saved, s)
	return nil
}

func (b *fakeBackend) setOnSave(fn func(context.Context, models.Session)) {
	b.mu.Lock()
	b.onSave = fn
	b.mu.Unlock()
}

func (b *fakeBackend) last() models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saved[len(b.saved)-1]
}

// scriptedCapability answers AwaitCapture with the queued results, then grants.
type scriptedCapability struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scriptedCapability) AwaitCapture(context.Context, uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

type endCall struct {
	owner    uuid.UUID
	duration time.Duration
	peak     int
}

type recordingActivity struct {
	mu      sync.Mutex
	started []uuid.UUID
	ended   []endCall
	joined  []uuid.UUID
}

func (a *recordingActivity) StreamStarted(_ context.Context, ownerID uuid.UUID) {
	a.mu.Lock()
	a.started = append(a.started, ownerID)
	a.mu.Unlock()
}

func (a *recordingActivity) StreamEnded(_ context.Context, ownerID uuid.UUID, d time.Duration, peak int) {
	a.mu.Lock()
	a.ended = append(a.ended, endCall{ownerID, d, peak})
	a.mu.Unlock()
}

func (a *recordingActivity) CoBroadcastJoined(_ context.Context, userID uuid.UUID) {
	a.mu.Lock()
	a.joined = append(a.joined, userID)
	a.mu.Unlock()
}

type fakeFinalizer struct {
	mu          sync.Mutex
	summaries   []models.SessionSummary
	transcripts [][]models.ChatMessage
	ctxErrs     []error
	err         error
}

func (f *fakeFinalizer) Finalize(ctx context.Context, s models.SessionSummary, t []models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.summaries = append(f.summaries, s)
	f.transcripts = append(f.transcripts, t)
	return f.err
}

type fixture struct {
	registry   *Registry
	clock      *clock
	backend    *fakeBackend
	capability *scriptedCapability
	activity   *recordingActivity
	finalizer  *fakeFinalizer
	relay      *realtime.Relay
	ownerID    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:      &clock{now: time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)},
		backend:    &fakeBackend{},
		capability: &scriptedCapability{},
		activity:   &recordingActivity{},
		finalizer:  &fakeFinalizer{},
		ownerID:    uuid.New(),
	}
	var n int
	var mu sync.Mutex
	f.relay = realtime.NewRelay(realtime.NewHub(nil, nil, nil), realtime.RelayOptions{
		Now: f.clock.Now,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("srv-%d", n)
		},
	})
	f.registry = NewRegistry(Deps{
		Backend:    f.backend,
		Capability: f.capability,
		Activity:   f.activity,
		Finalizer:  f.finalizer,
		Channel:    f.relay,
		Now:        f.clock.Now,
	})
	t.Cleanup(func() { f.registry.Shutdown(context.Background()) })
	return f
}

func (f *fixture) create(t *testing.T, capacity int) *Controller {
	t.Helper()
	c, err := f.registry.Create(context.Background(), f.ownerID, "host", Config{
		Title:    "Friday night speedruns",
		Category: models.CategoryGaming,
		Capacity: capacity,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) live(t *testing.T, capacity int) *Controller {
	t.Helper()
	c := f.create(t, capacity)
	require.NoError(t, c.RequestGoLive(context.Background()))
	return c
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, 1)

	s := c.Session()
	assert.Equal(t, models.StatusScheduled, s.Status)
	assert.Equal(t, models.VisibilityPublic, s.Visibility)
	assert.Equal(t, models.QualityHigh, s.Quality)
	assert.Nil(t, s.StartedAt)
	require.Len(t, f.backend.created, 1)

	start := f.clock.Now()
	require.NoError(t, c.RequestGoLive(ctx))
	s = c.Session()
	assert.Equal(t, models.StatusLive, s.Status)
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, start, *s.StartedAt)
	assert.True(t, f.relay.IsOpen(s.ID))

	// Already live: nothing happens.
	require.NoError(t, c.RequestGoLive(ctx))
	assert.Equal(t, 1, f.capability.calls)
	assert.Len(t, f.activity.started, 1)

	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Pause(ctx))
	assert.Equal(t, models.StatusPaused, c.Session().Status)
	assert.ErrorIs(t, c.Cancel(ctx), apperr.ErrInvalidTransition)
	require.NoError(t, c.Resume(ctx))
	require.NoError(t, c.SetQuality(ctx, models.QualityUltra))
	assert.Equal(t, models.QualityUltra, c.Session().Quality)
	assert.Equal(t, apperr.CodeInvalidConfig, apperr.CodeOf(c.SetQuality(ctx, "8k")))

	f.clock.Advance(90 * time.Second)
	require.NoError(t, c.End(ctx))
	s = c.Session()
	assert.Equal(t, models.StatusEnded, s.Status)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, start.Add(90*time.Second), *s.EndedAt)
	assert.Equal(t, models.StatusEnded, f.backend.last().Status)
	assert.False(t, f.relay.IsOpen(s.ID))

	require.Len(t, f.finalizer.summaries, 1)
	assert.Equal(t, int64(90), f.finalizer.summaries[0].DurationSeconds)
	require.Len(t, f.activity.ended, 1)
	assert.Equal(t, 90*time.Second, f.activity.ended[0].duration)

	for _, op := range []func(context.Context) error{c.End, c.Pause, c.Resume, c.Cancel, c.RequestGoLive} {
		assert.ErrorIs(t, op(ctx), apperr.ErrInvalidTransition)
	}
	assert.ErrorIs(t, c.SetQuality(ctx, models.QualityLow), apperr.ErrInvalidTransition)
}

func TestGoLiveDeniedStaysStartingAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.capability.results = []error{apperr.ErrPermissionDenied, errors.New("device gone")}
	c := f.create(t, 1)

	err := c.RequestGoLive(ctx)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	assert.Equal(t, models.StatusStarting, c.Session().Status)
	assert.Nil(t, c.Session().StartedAt)

	err = c.RequestGoLive(ctx)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
	assert.Equal(t, models.StatusStarting, c.Session().Status)

	require.NoError(t, c.RequestGoLive(ctx))
	assert.Equal(t, models.StatusLive, c.Session().Status)
	assert.Len(t, f.activity.started, 1)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := []Config{
		{Title: "  ", Category: models.CategoryTalk, Capacity: 1},
		{Title: "t", Category: "cooking", Capacity: 1},
		{Title: "t", Category: models.CategoryTalk, Capacity: 0},
		{Title: "t", Category: models.CategoryTalk, Capacity: 5},
		{Title: "t", Category: models.CategoryTalk, Capacity: 2, Visibility: "friends"},
	}
	for _, cfg := range bad {
		_, err := f.registry.Create(ctx, f.ownerID, "host", cfg)
		assert.Equal(t, apperr.CodeInvalidConfig, apperr.CodeOf(err), "%+v", cfg)
	}

	c := f.create(t, 1)
	_, err := f.registry.Create(ctx, f.ownerID, "host", Config{Title: "again", Category: models.CategoryTalk, Capacity: 1})
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))

	require.NoError(t, c.Cancel(ctx))
	assert.Equal(t, models.StatusCancelled, c.Session().Status)
	assert.NotNil(t, c.Session().EndedAt)
	_ = f.create(t, 1)
}

func TestCancelBeforeLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, 2)

	require.NoError(t, c.Cancel(ctx))
	assert.ErrorIs(t, c.RequestGoLive(ctx), apperr.ErrInvalidTransition)
	assert.ErrorIs(t, c.End(ctx), apperr.ErrInvalidTransition)
	assert.Empty(t, f.finalizer.summaries)

	f.registry.tick(ctx, time.Second)
	_, err := f.registry.Get(c.ID())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEndTwiceKeepsFirstAward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	progress := progression.NewRegistry(progression.Options{Now: f.clock.Now})
	f.registry.deps.Activity = progression.NewActivity(progress, progression.DefaultRewards(), nil)

	c := f.live(t, 1)
	f.clock.Advance(3 * time.Minute)
	require.NoError(t, c.End(ctx))
	after := progress.Engine(ctx, f.ownerID).Snapshot().Experience
	assert.Positive(t, after)

	assert.ErrorIs(t, c.End(ctx), apperr.ErrInvalidTransition)
	assert.Equal(t, after, progress.Engine(ctx, f.ownerID).Snapshot().Experience)
}

func TestEndSurvivesTeardownFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.live(t, 2)
	f.backend.failSave = true
	f.finalizer.err = errors.New("queue unavailable")

	require.NoError(t, c.End(ctx))
	assert.Equal(t, models.StatusEnded, c.Session().Status)
	assert.Len(t, f.activity.ended, 1)
	assert.Len(t, f.finalizer.summaries, 1)
}

func TestEndCompletesWhenCallerGoesAway(t *testing.T) {
	f := newFixture(t)
	c := f.live(t, 2)
	_, err := c.Invite(context.Background(), f.ownerID, uuid.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.backend.setOnSave(func(_ context.Context, s models.Session) {
		if s.Status == models.StatusEnded {
			cancel()
		}
	})

	require.NoError(t, c.End(ctx))
	assert.Equal(t, models.StatusEnded, c.Session().Status)
	assert.Equal(t, models.StatusEnded, f.backend.last().Status)
	assert.Empty(t, c.Invitations())
	assert.False(t, f.relay.IsOpen(c.ID()))
	require.Len(t, f.finalizer.summaries, 1)
	assert.NoError(t, f.finalizer.ctxErrs[0])
	assert.Len(t, f.activity.ended, 1)
	assert.ErrorIs(t, c.End(context.Background()), apperr.ErrInvalidTransition)
}

func TestChatFloodDoesNotStallLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.live(t, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.backend.setOnSave(func(_ context.Context, s models.Session) {
		if s.Status == models.StatusPaused {
			once.Do(func() { close(entered) })
			<-release
		}
	})
	paused := make(chan error, 1)
	go func() { paused <- c.Pause(context.Background()) }()
	<-entered

	const senders, perSender = 4, 150
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			viewer := uuid.New()
			for j := 0; j < perSender; j++ {
				body := fmt.Sprintf("msg %d", j)
				_ = f.relay.Handle(context.Background(), c.ID(), realtime.Sender{UserID: &viewer, DisplayName: "v"}, protocol.SendMessage{
					Base: protocol.Base{StreamID: c.ID()}, ClientMessageID: uuid.NewString(), Body: body, Kind: models.KindText,
				})
			}
		}()
	}
	flooded := make(chan struct{})
	go func() { wg.Wait(); close(flooded) }()
	select {
	case <-flooded:
	case <-time.After(5 * time.Second):
		t.Fatal("senders stalled while the session was busy")
	}
	close(release)
	require.NoError(t, <-paused)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.SetQuality(ctx, models.QualityLow))
	require.NoError(t, c.Resume(ctx))
	require.Eventually(t, func() bool {
		return c.Session().Metrics.ChatMessages == senders*perSender
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRegistryConcurrentCreateKeepsOneSessionPerOwner(t *testing.T) {
	f := newFixture(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.registry.Create(context.Background(), f.ownerID, "host", Config{Title: "race", Category: models.CategoryGaming, Capacity: 1})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
				return
			}
			assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.NotNil(t, f.registry.ActiveFor(f.ownerID))
}

func TestConcurrentAcceptAtCapacityTwo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.live(t, 2)

	guests := []uuid.UUID{uuid.New(), uuid.New()}
	codes := make([]string, len(guests))
	for i, g := range guests {
		inv, err := c.Invite(ctx, f.ownerID, g)
		require.NoError(t, err)
		codes[i] = inv.Code
	}

	var wg sync.WaitGroup
	errs := make([]error, len(guests))
	slots := make([]models.ParticipantSlot, len(guests))
	for i := range guests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slots[i], errs[i] = c.Accept(ctx, codes[i], guests[i], fmt.Sprintf("guest-%d", i))
		}(i)
	}
	wg.Wait()

	var ok, full int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			assert.Equal(t, models.PositionSplitScreen, slots[i].Position)
		case errors.Is(err, apperr.ErrSlotsFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, full)
	assert.Len(t, c.Slots(), 1)
	assert.Len(t, f.activity.joined, 1)
}

func TestCoBroadcastPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.live(t, 3)
	guest, stranger := uuid.New(), uuid.New()

	_, err := c.Invite(ctx, stranger, guest)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	inv, err := c.Invite(ctx, f.ownerID, guest)
	require.NoError(t, err)
	_, err = c.Accept(ctx, inv.Code, guest, "guest")
	require.NoError(t, err)

	muted := true
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(c.SetGuestMedia(ctx, stranger, guest, &muted, nil)))
	require.NoError(t, c.SetGuestMedia(ctx, guest, guest, &muted, nil))
	assert.True(t, c.Slots()[0].Muted)

	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(c.Remove(ctx, guest, guest)))
	require.NoError(t, c.Remove(ctx, f.ownerID, guest))
	assert.Empty(t, c.Slots())
}

func TestHostChatReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.live(t, 1)

	msg, err := c.SendChat(ctx, f.ownerID, "hello")
	require.NoError(t, err)
	assert.True(t, msg.Local)

	require.Eventually(t, func() bool {
		view := c.Chat(nil, false)
		return len(view) == 1 && !view[0].Local
	}, 2*time.Second, 10*time.Millisecond)
	view := c.Chat(nil, false)
	assert.Equal(t, "hello", view[0].Body)
	assert.Equal(t, "srv-1", view[0].ID)

	require.Eventually(t, func() bool { return c.Session().Metrics.ChatMessages == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = c.SendChat(ctx, uuid.New(), "hi")
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestHostSlowModeReachesRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.live(t, 1)
	viewer := uuid.New()

	_, err := c.SendChat(ctx, f.ownerID, "/slow 30")
	require.NoError(t, err)

	send := func(body string) error {
		return f.relay.Handle(ctx, c.ID(), realtime.Sender{UserID: &viewer, DisplayName: "v"}, protocol.SendMessage{
			Base: protocol.Base{StreamID: c.ID()}, ClientMessageID: body, Body: body, Kind: models.KindText,
		})
	}
	require.NoError(t, send("first"))
	assert.ErrorIs(t, send("second"), apperr.ErrRateLimited)

	for _, body := range []string{"host one", "host two"} {
		_, err := c.SendChat(ctx, f.ownerID, body)
		require.NoError(t, err)
	}
}

func TestTickAccruesWatchTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.live(t, 1)

	f.relay.Publish(c.ID(), protocol.ViewerCountUpdate{StreamID: c.ID(), Count: 3})
	require.Eventually(t, func() bool { return c.Session().Metrics.ViewerCount == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Tick(ctx, 10*time.Second))
	m := c.Session().Metrics
	assert.Equal(t, int64(30), m.TotalWatchTime)
	assert.Equal(t, 3, m.PeakViewers)

	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Tick(ctx, 10*time.Second))
	assert.Equal(t, int64(30), c.Session().Metrics.TotalWatchTime)
}

func TestRegistryListsOnAirPublicSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scheduled := f.create(t, 1)

	other, err := f.registry.Create(ctx, uuid.New(), "other", Config{
		Title: "late show", Category: models.CategoryTalk, Capacity: 1, Visibility: models.VisibilityPrivate,
	})
	require.NoError(t, err)
	require.NoError(t, other.RequestGoLive(ctx))
	assert.Empty(t, f.registry.List(models.VisibilityPublic))

	require.NoError(t, scheduled.RequestGoLive(ctx))
	list := f.registry.List(models.VisibilityPublic)
	require.Len(t, list, 1)
	assert.Equal(t, scheduled.ID(), list[0].ID)
	assert.Len(t, f.registry.List(""), 2)
}

func TestRegistryCanPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.live(t, 2)
	guest, viewer := uuid.New(), uuid.New()

	inv, err := c.Invite(ctx, f.ownerID, guest)
	require.NoError(t, err)
	_, err = c.Accept(ctx, inv.Code, guest, "guest")
	require.NoError(t, err)

	for _, tc := range []struct {
		user uuid.UUID
		want bool
	}{{f.ownerID, true}, {guest, true}, {viewer, false}} {
		ok, err := f.registry.CanPublish(c.ID(), tc.user)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok)
	}

	require.NoError(t, c.End(ctx))
	_, err = f.registry.CanPublish(c.ID(), f.ownerID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
