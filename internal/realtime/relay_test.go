package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/protocol"
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

type credits struct {
	mu    sync.Mutex
	chats []uuid.UUID
	likes []uuid.UUID
}

func (c *credits) ChatMessageSent(_ context.Context, userID uuid.UUID) {
	c.mu.Lock()
	c.chats = append(c.chats, userID)
	c.mu.Unlock()
}

func (c *credits) LikeReceived(_ context.Context, ownerID uuid.UUID) {
	c.mu.Lock()
	c.likes = append(c.likes, ownerID)
	c.mu.Unlock()
}

type relayFixture struct {
	relay    *Relay
	clock    *clock
	credits  *credits
	streamID uuid.UUID
	ownerID  uuid.UUID
	events   chan protocol.Event
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	f := &relayFixture{
		clock:    &clock{now: time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)},
		credits:  &credits{},
		streamID: uuid.New(),
		ownerID:  uuid.New(),
		events:   make(chan protocol.Event, 64),
	}
	var n int
	var mu sync.Mutex
	f.relay = NewRelay(NewHub(nil, nil, nil), RelayOptions{
		MaxLength:   20,
		HistorySize: 3,
		Activity:    f.credits,
		Now:         f.clock.Now,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("m%d", n)
		},
	})
	f.relay.Open(f.streamID, f.ownerID)
	cancel, err := f.relay.Subscribe(f.streamID, func(ev protocol.Event) { f.events <- ev })
	require.NoError(t, err)
	t.Cleanup(cancel)
	return f
}

func (f *relayFixture) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func (f *relayFixture) send(userID uuid.UUID, body string) error {
	return f.relay.Handle(context.Background(), f.streamID, Sender{UserID: &userID, DisplayName: "viewer"}, protocol.SendMessage{
		Base:            protocol.Base{StreamID: f.streamID},
		ClientMessageID: "c-" + body,
		Body:            body,
		Kind:            models.KindText,
	})
}

func (f *relayFixture) host(cmd protocol.Command) error {
	return f.relay.Transport(f.streamID, chat.Author{ID: f.ownerID, Name: "host"}).Dispatch(context.Background(), cmd)
}

func TestRelayAssignsIDsAndEchoesCorrelation(t *testing.T) {
	f := newRelayFixture(t)
	viewer := uuid.New()

	require.NoError(t, f.send(viewer, "hello"))

	ev, ok := f.next(t).(protocol.Message)
	require.True(t, ok)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.Equal(t, "c-hello", ev.Message.ClientMessageID)
	assert.True(t, ev.Message.AuthoredBy(viewer))
	assert.False(t, ev.Message.Local)
	assert.Equal(t, f.clock.Now(), ev.Message.CreatedAt)
	assert.Equal(t, []uuid.UUID{viewer}, f.credits.chats)
}

func TestRelayRejections(t *testing.T) {
	f := newRelayFixture(t)
	viewer := uuid.New()
	ctx := context.Background()

	err := f.relay.Handle(ctx, f.streamID, Sender{}, protocol.SendLike{Base: protocol.Base{StreamID: f.streamID}})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	assert.ErrorIs(t, f.send(viewer, "this message is far too long"), apperr.ErrMessageTooLong)

	err = f.relay.Handle(ctx, uuid.New(), Sender{UserID: &viewer}, protocol.SendLike{})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	err = f.relay.Handle(ctx, f.streamID, Sender{UserID: &viewer}, protocol.BanUser{Base: protocol.Base{StreamID: f.streamID}, UserID: uuid.New()})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	err = f.host(protocol.BanUser{Base: protocol.Base{StreamID: f.streamID}, UserID: f.ownerID})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestRelayBanHidesHistoryAndBlocks(t *testing.T) {
	f := newRelayFixture(t)
	viewer := uuid.New()
	base := protocol.Base{StreamID: f.streamID}

	require.NoError(t, f.send(viewer, "one"))
	f.next(t)
	require.NoError(t, f.host(protocol.BanUser{Base: base, UserID: viewer, Reason: "spam"}))

	banned, ok := f.next(t).(protocol.UserBanned)
	require.True(t, ok)
	assert.Equal(t, viewer, banned.UserID)
	assert.Equal(t, "viewer", banned.DisplayName)
	assert.Equal(t, "spam", banned.Reason)

	assert.ErrorIs(t, f.send(viewer, "two"), apperr.ErrBanned)

	// A second ban changes nothing and announces nothing.
	require.NoError(t, f.host(protocol.BanUser{Base: base, UserID: viewer}))

	recent, err := f.relay.Recent(context.Background(), f.streamID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Hidden)

	require.NoError(t, f.host(protocol.UnbanUser{Base: base, UserID: viewer}))
	_, ok = f.next(t).(protocol.UserUnbanned)
	require.True(t, ok)
	assert.NoError(t, f.send(viewer, "three"))
}

func TestRelayMuteExpires(t *testing.T) {
	f := newRelayFixture(t)
	viewer := uuid.New()

	require.NoError(t, f.host(protocol.MuteUser{Base: protocol.Base{StreamID: f.streamID}, UserID: viewer, DurationSeconds: 30}))
	muted, ok := f.next(t).(protocol.UserMuted)
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), muted.Until)

	assert.ErrorIs(t, f.send(viewer, "hi"), apperr.ErrMuted)
	f.clock.Advance(30 * time.Second)
	assert.NoError(t, f.send(viewer, "hi"))
}

func TestRelaySlowModeExemptsHost(t *testing.T) {
	f := newRelayFixture(t)
	viewer := uuid.New()
	base := protocol.Base{StreamID: f.streamID}

	require.NoError(t, f.host(protocol.SetSlowMode{Base: base, DelaySeconds: 10}))
	slow, ok := f.next(t).(protocol.SlowMode)
	require.True(t, ok)
	assert.Equal(t, 10, slow.DelaySeconds)

	require.NoError(t, f.send(viewer, "a"))
	assert.ErrorIs(t, f.send(viewer, "b"), apperr.ErrRateLimited)
	f.clock.Advance(10 * time.Second)
	assert.NoError(t, f.send(viewer, "c"))

	hostMsg := func(body string) protocol.SendMessage {
		return protocol.SendMessage{Base: base, ClientMessageID: body, Body: body, Kind: models.KindText}
	}
	require.NoError(t, f.host(hostMsg("x")))
	require.NoError(t, f.host(hostMsg("y")))

	require.NoError(t, f.host(protocol.DisableSlowMode{Base: base}))
	assert.NoError(t, f.send(viewer, "d"))
	assert.NoError(t, f.send(viewer, "e"))
}

func TestRelayHistoryBoundedAndReactions(t *testing.T) {
	f := newRelayFixture(t)
	viewer := uuid.New()
	other := uuid.New()
	for _, body := range []string{"1", "2", "3", "4"} {
		require.NoError(t, f.send(viewer, body))
	}

	recent, err := f.relay.Recent(context.Background(), f.streamID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "2", recent[0].Body)
	assert.Equal(t, "4", recent[2].Body)

	react := func(userID uuid.UUID, messageID string) error {
		return f.relay.Handle(context.Background(), f.streamID, Sender{UserID: &userID}, protocol.SendReaction{
			Base: protocol.Base{StreamID: f.streamID}, MessageID: messageID, Emoji: "🔥",
		})
	}
	require.NoError(t, react(viewer, "m4"))
	require.NoError(t, react(viewer, "m4"))
	require.NoError(t, react(other, "m4"))
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(react(viewer, "m1")))

	recent, err = f.relay.Recent(context.Background(), f.streamID, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	tally := recent[0].Reactions["🔥"]
	assert.Equal(t, 2, tally.Count)
	assert.ElementsMatch(t, []uuid.UUID{viewer, other}, tally.UserIDs)
}

func TestRelayLikeCreditsOwner(t *testing.T) {
	f := newRelayFixture(t)
	viewer := uuid.New()
	like := protocol.SendLike{Base: protocol.Base{StreamID: f.streamID}}

	require.NoError(t, f.relay.Handle(context.Background(), f.streamID, Sender{UserID: &viewer}, like))
	require.NoError(t, f.host(like))

	ev, ok := f.next(t).(protocol.Message)
	require.True(t, ok)
	assert.Equal(t, models.KindLike, ev.Message.Kind)
	assert.Equal(t, []uuid.UUID{f.ownerID}, f.credits.likes)
}

func TestRelayClose(t *testing.T) {
	f := newRelayFixture(t)
	assert.True(t, f.relay.IsOpen(f.streamID))
	f.relay.Close(f.streamID)
	assert.False(t, f.relay.IsOpen(f.streamID))
	_, err := f.relay.Recent(context.Background(), f.streamID, 10)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestHubOrdersEventsForListeners(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	streamID := uuid.New()
	got := make(chan int, 100)
	cancel := hub.Listen(streamID, func(ev protocol.Event) {
		got <- ev.(protocol.ViewerCountUpdate).Count
	})
	defer cancel()

	for i := 0; i < 50; i++ {
		hub.Broadcast(streamID, protocol.ViewerCountUpdate{StreamID: streamID, Count: i})
	}
	for i := 0; i < 50; i++ {
		select {
		case n := <-got:
			require.Equal(t, i, n)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
}
