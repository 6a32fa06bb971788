package cobroadcast

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/models"
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

func newLive(t *testing.T, capacity int) (*Coordinator, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}
	c := New(Options{
		StreamID:  uuid.New(),
		OwnerID:   uuid.New(),
		Capacity:  capacity,
		InviteTTL: time.Minute,
		Now:       clk.Now,
	})
	c.SetStatus(models.StatusLive)
	return c, clk
}

func invite(t *testing.T, c *Coordinator) (uuid.UUID, string) {
	t.Helper()
	user := uuid.New()
	inv, err := c.Invite(user)
	require.NoError(t, err)
	return user, inv.Code
}

func TestConcurrentAcceptsRespectCapacity(t *testing.T) {
	for capacity := models.MinCapacity; capacity <= models.MaxCapacity; capacity++ {
		c, _ := newLive(t, capacity)
		if c.GuestSeats() == 0 {
			_, err := c.Invite(uuid.New())
			assert.ErrorIs(t, err, apperr.ErrSlotsFull)
			continue
		}

		type pending struct {
			user uuid.UUID
			code string
		}
		var invites []pending
		for i := 0; i < 10; i++ {
			u, code := invite(t, c)
			invites = append(invites, pending{u, code})
		}

		var ok, full atomic.Int32
		var wg sync.WaitGroup
		for _, p := range invites {
			wg.Add(1)
			go func(p pending) {
				defer wg.Done()
				_, err := c.Accept(p.code, p.user, "guest")
				switch {
				case err == nil:
					ok.Add(1)
				case apperr.CodeOf(err) == apperr.CodeSlotsFull:
					full.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(p)
		}
		wg.Wait()

		assert.Equal(t, int32(c.GuestSeats()), ok.Load(), "capacity %d", capacity)
		assert.Equal(t, int32(10-c.GuestSeats()), full.Load(), "capacity %d", capacity)
		assert.LessOrEqual(t, len(c.Slots()), capacity)

		seen := map[models.SlotPosition]bool{}
		for _, s := range c.Slots() {
			assert.False(t, seen[s.Position], "duplicate position %s", s.Position)
			seen[s.Position] = true
		}
	}
}

func TestCapacityTwoSeatsOneGuestSplitScreen(t *testing.T) {
	c, _ := newLive(t, 2)
	u1, code1 := invite(t, c)
	u2, code2 := invite(t, c)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	slots := make([]models.ParticipantSlot, 2)
	wg.Add(2)
	go func() { defer wg.Done(); slots[0], errs[0] = c.Accept(code1, u1, "ana") }()
	go func() { defer wg.Done(); slots[1], errs[1] = c.Accept(code2, u2, "bo") }()
	wg.Wait()

	failed, won := 0, -1
	for i, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, apperr.ErrSlotsFull)
			failed++
		} else {
			won = i
		}
	}
	require.Equal(t, 1, failed)
	require.GreaterOrEqual(t, won, 0)
	assert.Equal(t, models.PositionSplitScreen, slots[won].Position)
	assert.Len(t, c.Slots(), 1)
}

func TestPositionsFillInOrderAndLeaveGaps(t *testing.T) {
	c, _ := newLive(t, 4)
	var users []uuid.UUID
	for i := 0; i < 3; i++ {
		u, code := invite(t, c)
		slot, err := c.Accept(code, u, "guest")
		require.NoError(t, err)
		assert.Equal(t, models.GridPositions[i], slot.Position)
		users = append(users, u)
	}

	require.NoError(t, c.Leave(users[0]))
	remaining := c.Slots()
	require.Len(t, remaining, 2)
	assert.Equal(t, models.PositionTopRight, remaining[0].Position)
	assert.Equal(t, models.PositionBottomLeft, remaining[1].Position)

	u, code := invite(t, c)
	slot, err := c.Accept(code, u, "late")
	require.NoError(t, err)
	assert.Equal(t, models.PositionTopLeft, slot.Position)
}

func TestInviteRules(t *testing.T) {
	c := New(Options{StreamID: uuid.New(), OwnerID: uuid.New(), Capacity: 3})
	_, err := c.Invite(uuid.New())
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "not on air yet")

	c.SetStatus(models.StatusPaused)
	_, err = c.Invite(c.opts.OwnerID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	u := uuid.New()
	first, err := c.Invite(u)
	require.NoError(t, err)
	again, err := c.Invite(u)
	require.NoError(t, err)
	assert.Equal(t, first.Code, again.Code)
	assert.Len(t, c.Invitations(), 1)

	_, err = c.Accept(first.Code, uuid.New(), "impostor")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = c.Accept("nope", u, "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestExpiredInvitations(t *testing.T) {
	c, clk := newLive(t, 4)
	u, code := invite(t, c)
	invite(t, c)

	clk.Advance(2 * time.Minute)
	_, err := c.Accept(code, u, "slow")
	assert.ErrorIs(t, err, apperr.ErrInviteExpired)

	assert.Equal(t, 1, c.PruneExpired())
	assert.Empty(t, c.Invitations())
}

func TestAttributeUpdatesAreIdempotent(t *testing.T) {
	c, _ := newLive(t, 3)
	var changes []Change
	c.SetChangeHandler(func(ch Change) { changes = append(changes, ch) })

	u, code := invite(t, c)
	_, err := c.Accept(code, u, "guest")
	require.NoError(t, err)

	require.NoError(t, c.SetMuted(u, true))
	require.NoError(t, c.SetMuted(u, true))
	require.NoError(t, c.SetVideoEnabled(u, false))
	assert.ErrorIs(t, c.SetMuted(uuid.New(), true), apperr.ErrNotFound)

	slot := c.Slots()[0]
	assert.True(t, slot.Muted)
	assert.False(t, slot.VideoEnabled)

	var kinds []ChangeKind
	for _, ch := range changes {
		kinds = append(kinds, ch.Kind)
	}
	assert.Equal(t, []ChangeKind{ChangeInvited, ChangeJoined, ChangeUpdated, ChangeUpdated}, kinds)
}

func TestCloseCancelsEverything(t *testing.T) {
	c, _ := newLive(t, 4)
	u, code := invite(t, c)
	_, err := c.Accept(code, u, "guest")
	require.NoError(t, err)
	_, pendingCode := invite(t, c)

	require.NoError(t, c.Close())
	assert.Empty(t, c.Slots())
	assert.Empty(t, c.Invitations())
	assert.ErrorIs(t, c.Close(), apperr.ErrInvalidTransition)

	_, err = c.Accept(pendingCode, u, "guest")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}
