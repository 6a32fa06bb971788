package streams

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/cobroadcast"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/protocol"
	"github.com/aura-live/backend/pkg/apperr"
)

// Backend persists lifecycle changes.
type Backend interface {
	CreateSession(ctx context.Context, s models.Session) error
	SaveSession(ctx context.Context, s models.Session) error
}

// ActivitySink receives the activity a session produces for progression.
type ActivitySink interface {
	StreamStarted(ctx context.Context, ownerID uuid.UUID)
	StreamEnded(ctx context.Context, ownerID uuid.UUID, duration time.Duration, peakViewers int)
	CoBroadcastJoined(ctx context.Context, userID uuid.UUID)
}

// Finalizer takes the summary and chat transcript of an ended session.
type Finalizer interface {
	Finalize(ctx context.Context, summary models.SessionSummary, transcript []models.ChatMessage) error
}

// Channel connects a session to the realtime channel. Chat for a stream is
// accepted between Open and Close.
type Channel interface {
	Open(streamID, ownerID uuid.UUID)
	Close(streamID uuid.UUID)
	Subscribe(streamID uuid.UUID, fn func(protocol.Event)) (cancel func(), err error)
	Publish(streamID uuid.UUID, ev protocol.Event)
	Transport(streamID uuid.UUID, author chat.Author) chat.Transport
	chat.HistorySource
}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Backend       Backend
	Capability    CapabilityProvider
	Activity      ActivitySink
	Finalizer     Finalizer
	Channel       Channel
	InviteTTL     time.Duration
	ChatMaxLength int
	HistoryLimit  int
	Now           func() time.Time
	Logger        *zap.Logger
}

// saveTimeout bounds a lifecycle write. Writes outlive the caller's context so
// an abandoned request cannot leave a transition half persisted.
const saveTimeout = 10 * time.Second

// Controller drives the lifecycle of one session. A single goroutine owns
// the session state; every operation is a closure run on it. Waiting on the
// capture grant and tearing down collaborators happen off that goroutine so
// the session keeps serving events meanwhile.
type Controller struct {
	deps   Deps
	logger *zap.Logger

	inbox chan func()
	done  chan struct{}
	stop  sync.Once

	// Channel events queued for the owning goroutine.
	evMu   sync.Mutex
	events []func()
	wake   chan struct{}

	coordinator *cobroadcast.Coordinator
	pipeline    *chat.Pipeline
	transport   chat.Transport

	// Owned by the run goroutine.
	session     models.Session
	liveSince   time.Time
	unsubscribe func()

	snapMu sync.RWMutex
	snap   models.Session
}

func newController(s models.Session, ownerName string, deps Deps) *Controller {
	logger := deps.Logger.With(zap.String("stream_id", s.ID.String()))
	c := &Controller{
		deps:    deps,
		logger:  logger,
		inbox:   make(chan func()),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		session: s,
		snap:    s,
	}
	c.coordinator = cobroadcast.New(cobroadcast.Options{
		StreamID:  s.ID,
		OwnerID:   s.OwnerID,
		Capacity:  s.Capacity,
		InviteTTL: deps.InviteTTL,
		Now:       deps.Now,
		Logger:    deps.Logger,
	})
	self := chat.Author{ID: s.OwnerID, Name: ownerName}
	var transport chat.Transport
	var history chat.HistorySource
	if deps.Channel != nil {
		transport = deps.Channel.Transport(s.ID, self)
		history = deps.Channel
	}
	c.transport = transport
	c.pipeline = chat.New(chat.Options{
		StreamID:     s.ID,
		Self:         self,
		Moderator:    true,
		Transport:    transport,
		History:      history,
		MaxLength:    deps.ChatMaxLength,
		HistoryLimit: deps.HistoryLimit,
		Now:          deps.Now,
		Logger:       deps.Logger,
	})
	c.coordinator.SetChangeHandler(func(ch cobroadcast.Change) {
		c.publish(protocol.SlotsChanged{StreamID: s.ID, Slots: ch.Slots})
	})
	go c.run()
	return c
}

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.wake:
			for _, fn := range c.takeEvents() {
				fn()
			}
		case <-c.done:
			return
		}
	}
}

// do runs fn on the owning goroutine and waits for its result. ctx only
// bounds the wait for the goroutine to pick fn up: once fn runs, its result
// is returned even if ctx is done, because the transition already happened.
// A stopped controller belongs to a terminal session, so calls fail with
// InvalidTransition.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.inbox <- func() { errc <- fn() }:
	case <-c.done:
		return apperr.ErrInvalidTransition
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errc
}

// post queues fn for the owning goroutine and returns at once. Channel
// listeners call it from the room's delivery goroutine, which the owner may
// itself be waiting on while it publishes.
func (c *Controller) post(fn func()) {
	c.evMu.Lock()
	c.events = append(c.events, fn)
	c.evMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) takeEvents() []func() {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	events := c.events
	c.events = nil
	return events
}

func (c *Controller) halt() {
	c.stop.Do(func() { close(c.done) })
}

// ID returns the session id.
func (c *Controller) ID() uuid.UUID { return c.snapshot().ID }

// OwnerID returns the broadcaster's account id.
func (c *Controller) OwnerID() uuid.UUID { return c.snapshot().OwnerID }

// Session returns a consistent copy of the session.
func (c *Controller) Session() models.Session { return c.snapshot() }

func (c *Controller) snapshot() models.Session {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// commitLocked publishes the session snapshot. Runs on the owning goroutine.
func (c *Controller) commitLocked() {
	c.snapMu.Lock()
	c.snap = c.session
	c.snapMu.Unlock()
}

func (c *Controller) now() time.Time { return c.deps.Now() }

func (c *Controller) save(ctx context.Context) {
	if c.deps.Backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := c.deps.Backend.SaveSession(ctx, c.session); err != nil {
		c.logger.Warn("save session failed", zap.Error(err))
	}
}

func (c *Controller) publish(ev protocol.Event) {
	if c.deps.Channel != nil {
		c.deps.Channel.Publish(c.session.ID, ev)
	}
}

func (c *Controller) publishStatus() {
	c.publish(protocol.StreamStatus{StreamID: c.session.ID, Status: c.session.Status, Quality: c.session.Quality})
}

func (c *Controller) setStatus(status models.SessionStatus) {
	c.session.Status = status
	c.coordinator.SetStatus(status)
}

// RequestGoLive moves the session to live once capture access is granted.
// Denial leaves it starting; calling again retries. Calling it on a live or
// paused session does nothing.
func (c *Controller) RequestGoLive(ctx context.Context) error {
	var alreadyOnAir bool
	err := c.do(ctx, func() error {
		switch s := c.session.Status; {
		case s.Terminal():
			return apperr.ErrInvalidTransition
		case s.OnAir():
			alreadyOnAir = true
			return nil
		}
		if c.session.Status != models.StatusStarting {
			c.setStatus(models.StatusStarting)
			c.commitLocked()
			c.publishStatus()
			c.save(ctx)
		}
		return nil
	})
	if err != nil || alreadyOnAir {
		return err
	}

	if c.deps.Capability != nil {
		if err := c.deps.Capability.AwaitCapture(ctx, c.ID()); err != nil {
			c.logger.Info("go live blocked on capture access", zap.Error(err))
			if apperr.CodeOf(err) != apperr.CodePermissionDenied {
				err = apperr.Wrap(apperr.CodePermissionDenied, "camera and microphone access is required to go live", err)
			}
			return err
		}
	}

	var wentLive bool
	err = c.do(ctx, func() error {
		switch s := c.session.Status; {
		case s.Terminal():
			return apperr.ErrInvalidTransition
		case s.OnAir():
			return nil
		}
		now := c.now()
		c.liveSince = now
		c.session.StartedAt = &now
		c.setStatus(models.StatusLive)
		if c.deps.Channel != nil {
			c.deps.Channel.Open(c.session.ID, c.session.OwnerID)
		}
		c.pipeline.Attach()
		c.subscribeLocked()
		c.commitLocked()
		c.publishStatus()
		c.save(ctx)
		wentLive = true
		return nil
	})
	if err != nil {
		return err
	}
	if wentLive {
		c.logger.Info("session live", zap.String("owner_id", c.OwnerID().String()))
		if c.deps.Activity != nil {
			c.deps.Activity.StreamStarted(context.WithoutCancel(ctx), c.OwnerID())
		}
	}
	return nil
}

func (c *Controller) subscribeLocked() {
	if c.deps.Channel == nil || c.unsubscribe != nil {
		return
	}
	cancel, err := c.deps.Channel.Subscribe(c.session.ID, c.onEvent)
	if err != nil {
		// Chat degrades to disconnected; a later Reconnect retries.
		c.logger.Warn("realtime subscribe failed", zap.Error(err))
		c.pipeline.SetConnected(false)
		return
	}
	c.unsubscribe = cancel
}

// Reconnect re-subscribes to the realtime channel and resyncs chat history.
func (c *Controller) Reconnect(ctx context.Context) error {
	err := c.do(ctx, func() error {
		if !c.session.Status.OnAir() {
			return apperr.ErrInvalidTransition
		}
		if c.unsubscribe != nil {
			c.unsubscribe()
			c.unsubscribe = nil
		}
		c.subscribeLocked()
		if c.unsubscribe == nil {
			return apperr.ErrNotConnected
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.pipeline.Resync(ctx)
}

// onEvent runs on the channel's goroutine. The pipeline has its own lock;
// session metrics are updated on the owning goroutine.
func (c *Controller) onEvent(ev protocol.Event) {
	c.pipeline.HandleEvent(ev)
	switch e := ev.(type) {
	case protocol.ViewerCountUpdate:
		c.post(func() {
			m := &c.session.Metrics
			m.ViewerCount = e.Count
			m.PeakViewers = max(m.PeakViewers, e.Count)
			c.updateEngagementLocked()
			c.commitLocked()
		})
	case protocol.Message:
		if e.Message.Kind.IsSystem() {
			return
		}
		c.post(func() {
			if e.Message.Kind == models.KindLike {
				c.session.Metrics.Likes++
			} else {
				c.session.Metrics.ChatMessages++
			}
			c.updateEngagementLocked()
			c.commitLocked()
		})
	}
}

func (c *Controller) updateEngagementLocked() {
	m := &c.session.Metrics
	m.EngagementRate = float64(m.Likes+m.ChatMessages) / float64(max(m.PeakViewers, 1))
}

// Pause takes a live session off air without ending it.
func (c *Controller) Pause(ctx context.Context) error {
	return c.toggle(ctx, models.StatusLive, models.StatusPaused)
}

// Resume puts a paused session back on air.
func (c *Controller) Resume(ctx context.Context) error {
	return c.toggle(ctx, models.StatusPaused, models.StatusLive)
}

func (c *Controller) toggle(ctx context.Context, from, to models.SessionStatus) error {
	return c.do(ctx, func() error {
		switch c.session.Status {
		case to:
			return nil
		case from:
			c.setStatus(to)
			c.commitLocked()
			c.publishStatus()
			c.save(ctx)
			c.logger.Info("session status changed", zap.String("status", string(to)))
			return nil
		}
		return apperr.ErrInvalidTransition
	})
}

// SetQuality records a new quality tier. Allowed in any non-terminal state.
func (c *Controller) SetQuality(ctx context.Context, tier models.QualityTier) error {
	if !tier.Valid() {
		return apperr.New(apperr.CodeInvalidConfig, "unknown quality tier")
	}
	return c.do(ctx, func() error {
		if c.session.Status.Terminal() {
			return apperr.ErrInvalidTransition
		}
		if c.session.Quality == tier {
			return nil
		}
		c.session.Quality = tier
		c.commitLocked()
		c.publishStatus()
		c.save(ctx)
		return nil
	})
}

// Cancel abandons a session that never went live.
func (c *Controller) Cancel(ctx context.Context) error {
	err := c.do(ctx, func() error {
		switch c.session.Status {
		case models.StatusScheduled, models.StatusStarting:
		default:
			return apperr.ErrInvalidTransition
		}
		now := c.now()
		c.session.EndedAt = &now
		c.setStatus(models.StatusCancelled)
		c.commitLocked()
		c.publishStatus()
		c.save(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.coordinator.Close(); err != nil {
		c.logger.Warn("close co-broadcast failed", zap.Error(err))
	}
	c.halt()
	c.logger.Info("session cancelled")
	return nil
}

// End finishes a live or paused session. The session is ended as soon as the
// call is accepted; failures tearing down collaborators are logged and do not
// undo it, and teardown completes even if ctx is cancelled meanwhile. A second
// call fails with InvalidTransition.
func (c *Controller) End(ctx context.Context) error {
	var (
		summary     models.SessionSummary
		unsubscribe func()
	)
	err := c.do(ctx, func() error {
		if !c.session.Status.OnAir() {
			return apperr.ErrInvalidTransition
		}
		now := c.now()
		duration := now.Sub(c.liveSince)
		c.session.EndedAt = &now
		c.setStatus(models.StatusEnded)
		unsubscribe, c.unsubscribe = c.unsubscribe, nil
		c.commitLocked()
		c.publishStatus()
		c.save(ctx)
		summary = models.SessionSummary{
			SessionID:       c.session.ID,
			OwnerID:         c.session.OwnerID,
			Status:          c.session.Status,
			StartedAt:       c.session.StartedAt,
			EndedAt:         now,
			DurationSeconds: int64(duration / time.Second),
			Metrics:         c.session.Metrics,
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.halt()
	c.teardown(context.WithoutCancel(ctx), summary, unsubscribe)
	return nil
}

func (c *Controller) teardown(ctx context.Context, summary models.SessionSummary, unsubscribe func()) {
	if err := c.coordinator.Close(); err != nil {
		c.logger.Warn("close co-broadcast failed", zap.Error(err))
	}
	c.pipeline.Detach()
	if unsubscribe != nil {
		unsubscribe()
	}
	if c.deps.Channel != nil {
		c.deps.Channel.Close(summary.SessionID)
	}
	if c.deps.Finalizer != nil {
		if err := c.deps.Finalizer.Finalize(ctx, summary, c.pipeline.Log()); err != nil {
			c.logger.Error("finalize session failed", zap.Error(err))
		}
	}
	duration := time.Duration(summary.DurationSeconds) * time.Second
	if c.deps.Activity != nil {
		c.deps.Activity.StreamEnded(ctx, summary.OwnerID, duration, summary.Metrics.PeakViewers)
	}
	c.logger.Info("session ended",
		zap.Duration("duration", duration),
		zap.Int("peak_viewers", summary.Metrics.PeakViewers),
		zap.Int("chat_messages", summary.Metrics.ChatMessages))
}

// Tick accrues watch time for the elapsed interval and expires invitations
// and chat mutes.
func (c *Controller) Tick(ctx context.Context, elapsed time.Duration) error {
	return c.do(ctx, func() error {
		now := c.now()
		c.coordinator.PruneExpired()
		c.pipeline.Tick(now)
		if c.session.Status == models.StatusLive {
			c.session.Metrics.TotalWatchTime += int64(c.session.Metrics.ViewerCount) * int64(elapsed/time.Second)
			c.commitLocked()
		}
		return nil
	})
}

// Invite offers a co-broadcast seat to userID. Only the host may invite.
func (c *Controller) Invite(ctx context.Context, requester, userID uuid.UUID) (cobroadcast.Invitation, error) {
	var inv cobroadcast.Invitation
	err := c.do(ctx, func() error {
		if requester != c.session.OwnerID {
			return apperr.New(apperr.CodeForbidden, "only the host can invite co-broadcasters")
		}
		var err error
		inv, err = c.coordinator.Invite(userID)
		return err
	})
	return inv, err
}

// Accept seats userID with an invitation code.
func (c *Controller) Accept(ctx context.Context, code string, userID uuid.UUID, displayName string) (models.ParticipantSlot, error) {
	slot, err := c.coordinator.Accept(code, userID, displayName)
	if err != nil {
		return slot, err
	}
	if c.deps.Activity != nil {
		c.deps.Activity.CoBroadcastJoined(context.WithoutCancel(ctx), userID)
	}
	return slot, nil
}

// Leave frees the caller's own seat.
func (c *Controller) Leave(_ context.Context, userID uuid.UUID) error {
	return c.coordinator.Leave(userID)
}

// Remove frees a guest's seat on the host's behalf.
func (c *Controller) Remove(_ context.Context, requester, participantID uuid.UUID) error {
	if requester != c.OwnerID() {
		return apperr.New(apperr.CodeForbidden, "only the host can remove co-broadcasters")
	}
	return c.coordinator.Remove(participantID)
}

// SetGuestMedia updates a guest's mute and video flags. The host or the guest
// may change them; nil leaves a flag unchanged.
func (c *Controller) SetGuestMedia(_ context.Context, requester, participantID uuid.UUID, muted, videoEnabled *bool) error {
	if requester != c.OwnerID() && requester != participantID {
		return apperr.New(apperr.CodeForbidden, "not allowed to change this co-broadcaster")
	}
	if muted != nil {
		if err := c.coordinator.SetMuted(participantID, *muted); err != nil {
			return err
		}
	}
	if videoEnabled != nil {
		if err := c.coordinator.SetVideoEnabled(participantID, *videoEnabled); err != nil {
			return err
		}
	}
	return nil
}

// Slots returns the seated co-broadcasters.
func (c *Controller) Slots() []models.ParticipantSlot { return c.coordinator.Slots() }

// Invitations returns the pending invitations.
func (c *Controller) Invitations() []cobroadcast.Invitation { return c.coordinator.Invitations() }

// Seated reports whether userID is co-broadcasting.
func (c *Controller) Seated(userID uuid.UUID) bool { return c.coordinator.Seated(userID) }

// SendChat sends a message, or runs a chat command, as the host.
func (c *Controller) SendChat(ctx context.Context, requester uuid.UUID, text string) (models.ChatMessage, error) {
	if requester != c.OwnerID() {
		return models.ChatMessage{}, apperr.New(apperr.CodeForbidden, "only the host chats through this endpoint")
	}
	msg, err := c.pipeline.Send(ctx, text)
	if err != nil || msg.ID != "" {
		return msg, err
	}
	// The host's slow mode applies to everyone, so the relay enforces it too.
	if cmd, _, _ := chat.ParseCommand(strings.TrimSpace(text)); cmd != nil && c.transport != nil {
		if slow, ok := cmd.(chat.SlowModeCommand); ok {
			base := protocol.Base{StreamID: c.ID()}
			var pc protocol.Command = protocol.DisableSlowMode{Base: base}
			if slow.Delay > 0 {
				pc = protocol.SetSlowMode{Base: base, DelaySeconds: int(slow.Delay / time.Second)}
			}
			if err := c.transport.Dispatch(ctx, pc); err != nil {
				return msg, err
			}
		}
	}
	return msg, nil
}

// Moderate applies a moderation action as the host.
func (c *Controller) Moderate(ctx context.Context, requester uuid.UUID, a chat.Action) error {
	if requester != c.OwnerID() {
		return apperr.New(apperr.CodeForbidden, "only the host can moderate")
	}
	return c.pipeline.Moderate(ctx, a)
}

// Chat returns the host's filtered chat view.
func (c *Controller) Chat(kind *models.MessageKind, includeSystem bool) []models.ChatMessage {
	return c.pipeline.FilteredView(kind, includeSystem)
}
