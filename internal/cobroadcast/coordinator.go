package cobroadcast

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

// DefaultInviteTTL is how long an invitation stays valid when none is configured.
const DefaultInviteTTL = 2 * time.Minute

// ChangeKind identifies a slot table change.
type ChangeKind string

const (
	ChangeInvited   ChangeKind = "invited"
	ChangeJoined    ChangeKind = "joined"
	ChangeLeft      ChangeKind = "left"
	ChangeRemoved   ChangeKind = "removed"
	ChangeUpdated   ChangeKind = "updated"
	ChangeCancelled ChangeKind = "cancelled"
)

// Change describes one mutation of the slot table, with the table after it.
type Change struct {
	Kind          ChangeKind
	ParticipantID uuid.UUID
	Slots         []models.ParticipantSlot
}

// ChangeHandler is called after every slot table change, in order. It must
// not call back into the coordinator.
type ChangeHandler func(Change)

// Options configure a Coordinator.
type Options struct {
	StreamID uuid.UUID
	OwnerID  uuid.UUID
	// Capacity counts on-screen seats including the host's.
	Capacity  int
	InviteTTL time.Duration
	Now       func() time.Time
	NewCode   func() string
	Logger    *zap.Logger
}

// Coordinator owns the slot table of one session. Every operation runs under
// one mutex, so checking for a free seat and taking it cannot interleave with
// another accept.
type Coordinator struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	status  models.SessionStatus
	slots   []models.ParticipantSlot
	invites map[string]*Invitation
	closed  bool

	notifyMu sync.Mutex
	onChange ChangeHandler
}

// New creates a coordinator for a session in the scheduled state.
func New(opts Options) *Coordinator {
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = DefaultInviteTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewCode == nil {
		opts.NewCode = NewCode
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Capacity = min(max(opts.Capacity, models.MinCapacity), models.MaxCapacity)
	return &Coordinator{
		opts:    opts,
		logger:  opts.Logger.With(zap.String("stream_id", opts.StreamID.String())),
		status:  models.StatusScheduled,
		invites: make(map[string]*Invitation),
	}
}

// SetChangeHandler sets the callback for slot table changes.
func (c *Coordinator) SetChangeHandler(fn ChangeHandler) {
	c.notifyMu.Lock()
	c.onChange = fn
	c.notifyMu.Unlock()
}

// SetStatus records the session status; invitations and accepts are only
// allowed while it is live or paused.
func (c *Coordinator) SetStatus(status models.SessionStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// GuestSeats is the number of seats available to co-broadcasters.
func (c *Coordinator) GuestSeats() int {
	return c.opts.Capacity - 1
}

// Invite creates an invitation for userID, or returns the outstanding one.
func (c *Coordinator) Invite(userID uuid.UUID) (Invitation, error) {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return Invitation{}, err
	}
	if userID == c.opts.OwnerID {
		c.mu.Unlock()
		return Invitation{}, apperr.New(apperr.CodeForbidden, "the host cannot be invited")
	}
	if c.seatOfLocked(userID) >= 0 {
		c.mu.Unlock()
		return Invitation{}, apperr.New(apperr.CodeForbidden, "user is already co-broadcasting")
	}
	if len(c.slots) >= c.GuestSeats() {
		c.mu.Unlock()
		return Invitation{}, apperr.ErrSlotsFull
	}
	now := c.opts.Now()
	for _, inv := range c.invites {
		if inv.InviteeID == userID && !inv.Expired(now) {
			out := *inv
			c.mu.Unlock()
			return out, nil
		}
	}
	inv := &Invitation{
		Code:      c.opts.NewCode(),
		StreamID:  c.opts.StreamID,
		InviteeID: userID,
		Status:    InvitePending,
		CreatedAt: now,
		ExpiresAt: now.Add(c.opts.InviteTTL),
	}
	c.invites[inv.Code] = inv
	out := *inv
	c.unlockAndNotify(c.changeLocked(ChangeInvited, userID))

	c.logger.Info("co-broadcast invite created", zap.String("user_id", userID.String()), zap.Time("expires_at", out.ExpiresAt))
	return out, nil
}

// Accept seats userID using the invitation code. The capacity check and the
// seat allocation happen in the same critical section.
func (c *Coordinator) Accept(code string, userID uuid.UUID, displayName string) (models.ParticipantSlot, error) {
	c.mu.Lock()
	if err := c.checkOpenLocked(); err != nil {
		c.mu.Unlock()
		return models.ParticipantSlot{}, err
	}
	inv, ok := c.invites[code]
	if !ok {
		c.mu.Unlock()
		return models.ParticipantSlot{}, apperr.New(apperr.CodeNotFound, "invitation not found")
	}
	if inv.InviteeID != userID {
		c.mu.Unlock()
		return models.ParticipantSlot{}, apperr.New(apperr.CodeForbidden, "invitation belongs to someone else")
	}
	now := c.opts.Now()
	if inv.Expired(now) {
		delete(c.invites, code)
		c.mu.Unlock()
		return models.ParticipantSlot{}, apperr.ErrInviteExpired
	}
	if len(c.slots) >= c.GuestSeats() {
		c.mu.Unlock()
		return models.ParticipantSlot{}, apperr.ErrSlotsFull
	}
	slot := models.ParticipantSlot{
		ParticipantID: userID,
		DisplayName:   displayName,
		JoinedAt:      now,
		VideoEnabled:  true,
		Position:      c.nextPositionLocked(),
	}
	c.slots = append(c.slots, slot)
	inv.Status = InviteAccepted
	delete(c.invites, code)
	c.unlockAndNotify(c.changeLocked(ChangeJoined, userID))

	c.logger.Info("co-broadcaster joined", zap.String("user_id", userID.String()), zap.String("position", string(slot.Position)))
	return slot, nil
}

// Leave frees the seat of a guest who left on their own.
func (c *Coordinator) Leave(participantID uuid.UUID) error {
	return c.free(participantID, ChangeLeft)
}

// Remove frees the seat of a guest removed by the host.
func (c *Coordinator) Remove(participantID uuid.UUID) error {
	return c.free(participantID, ChangeRemoved)
}

func (c *Coordinator) free(participantID uuid.UUID, kind ChangeKind) error {
	c.mu.Lock()
	i := c.seatOfLocked(participantID)
	if i < 0 {
		c.mu.Unlock()
		return apperr.New(apperr.CodeNotFound, "participant is not co-broadcasting")
	}
	// Other guests keep their positions; the freed one is reused by the next accept.
	c.slots = slices.Delete(c.slots, i, i+1)
	c.unlockAndNotify(c.changeLocked(kind, participantID))

	c.logger.Info("co-broadcaster seat freed", zap.String("user_id", participantID.String()), zap.String("change", string(kind)))
	return nil
}

// SetMuted updates a guest's mute flag.
func (c *Coordinator) SetMuted(participantID uuid.UUID, muted bool) error {
	return c.update(participantID, func(s *models.ParticipantSlot) bool {
		if s.Muted == muted {
			return false
		}
		s.Muted = muted
		return true
	})
}

// SetVideoEnabled updates a guest's video flag.
func (c *Coordinator) SetVideoEnabled(participantID uuid.UUID, enabled bool) error {
	return c.update(participantID, func(s *models.ParticipantSlot) bool {
		if s.VideoEnabled == enabled {
			return false
		}
		s.VideoEnabled = enabled
		return true
	})
}

func (c *Coordinator) update(participantID uuid.UUID, fn func(*models.ParticipantSlot) bool) error {
	c.mu.Lock()
	i := c.seatOfLocked(participantID)
	if i < 0 {
		c.mu.Unlock()
		return apperr.New(apperr.CodeNotFound, "participant is not co-broadcasting")
	}
	if !fn(&c.slots[i]) {
		c.mu.Unlock()
		return nil
	}
	c.unlockAndNotify(c.changeLocked(ChangeUpdated, participantID))
	return nil
}

// PruneExpired drops invitations that expired at or before now and returns
// how many were dropped.
func (c *Coordinator) PruneExpired() int {
	c.mu.Lock()
	now := c.opts.Now()
	var changes []Change
	for code, inv := range c.invites {
		if inv.Expired(now) {
			delete(c.invites, code)
			changes = append(changes, c.changeLocked(ChangeCancelled, inv.InviteeID))
		}
	}
	c.unlockAndNotify(changes...)
	return len(changes)
}

// Close cancels every outstanding invitation and releases all seats. The
// coordinator rejects every later operation.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperr.ErrInvalidTransition
	}
	c.closed = true
	cancelled := len(c.invites)
	for _, inv := range c.invites {
		inv.Status = InviteCancelled
	}
	c.invites = make(map[string]*Invitation)
	released := len(c.slots)
	c.slots = nil
	c.unlockAndNotify(c.changeLocked(ChangeCancelled, uuid.Nil))

	c.logger.Info("co-broadcast closed", zap.Int("invites_cancelled", cancelled), zap.Int("seats_released", released))
	return nil
}

// Slots returns the seated guests in join order.
func (c *Coordinator) Slots() []models.ParticipantSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.slots)
}

// Seated reports whether userID holds a seat.
func (c *Coordinator) Seated(userID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seatOfLocked(userID) >= 0
}

// Invitations returns the pending invitations.
func (c *Coordinator) Invitations() []Invitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Invitation, 0, len(c.invites))
	for _, inv := range c.invites {
		out = append(out, *inv)
	}
	slices.SortFunc(out, func(a, b Invitation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (c *Coordinator) checkOpenLocked() error {
	if c.closed || !c.status.OnAir() {
		return apperr.ErrInvalidTransition
	}
	return nil
}

func (c *Coordinator) seatOfLocked(userID uuid.UUID) int {
	return slices.IndexFunc(c.slots, func(s models.ParticipantSlot) bool { return s.ParticipantID == userID })
}

func (c *Coordinator) nextPositionLocked() models.SlotPosition {
	if c.opts.Capacity == 2 {
		return models.PositionSplitScreen
	}
	for _, p := range models.GridPositions {
		taken := slices.ContainsFunc(c.slots, func(s models.ParticipantSlot) bool { return s.Position == p })
		if !taken {
			return p
		}
	}
	return models.PositionBottomRight
}

func (c *Coordinator) changeLocked(kind ChangeKind, participantID uuid.UUID) Change {
	return Change{Kind: kind, ParticipantID: participantID, Slots: slices.Clone(c.slots)}
}

// unlockAndNotify releases mu and delivers changes. notifyMu is taken before
// mu is released so handlers see changes in mutation order. Caller holds mu.
func (c *Coordinator) unlockAndNotify(changes ...Change) {
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	if c.onChange == nil {
		return
	}
	for _, ch := range changes {
		c.onChange(ch)
	}
}
