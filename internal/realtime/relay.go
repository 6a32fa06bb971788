package realtime

import (
	"context"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/protocol"
	"github.com/aura-live/backend/pkg/apperr"
)

// DefaultHistorySize is how many recent messages a stream keeps for resync.
const DefaultHistorySize = 200

const likeBody = "liked the stream"

// Sender identifies who issued a command. Anonymous viewers have no UserID.
type Sender struct {
	UserID      *uuid.UUID
	DisplayName string
}

// ActivityCredit receives chat activity worth progression credit.
type ActivityCredit interface {
	ChatMessageSent(ctx context.Context, userID uuid.UUID)
	LikeReceived(ctx context.Context, ownerID uuid.UUID)
}

// RelayOptions configure a Relay.
type RelayOptions struct {
	MaxLength   int
	HistorySize int
	Activity    ActivityCredit
	Now         func() time.Time
	NewID       func() string
	Logger      *zap.Logger
}

// streamRoom is the authoritative chat state of one open stream.
type streamRoom struct {
	ownerID   uuid.UUID
	bans      map[uuid.UUID]struct{}
	mutes     map[uuid.UUID]time.Time
	slowDelay time.Duration
	limiters  map[uuid.UUID]*rate.Limiter
	history   []models.ChatMessage
	members   map[string]*Client
}

// Relay is the authoritative side of stream chat: it assigns message ids and
// timestamps, enforces bans, mutes and slow mode, and fans accepted messages
// out through the hub. Command handling for a stream must reach the instance
// that opened it; events reach every instance.
type Relay struct {
	hub    *Hub
	opts   RelayOptions
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[uuid.UUID]*streamRoom
}

// NewRelay creates a relay on top of hub and takes over its presence callback.
func NewRelay(hub *Hub, opts RelayOptions) *Relay {
	if opts.MaxLength <= 0 {
		opts.MaxLength = chat.DefaultMaxLength
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Relay{hub: hub, opts: opts, logger: opts.Logger, rooms: make(map[uuid.UUID]*streamRoom)}
	hub.SetPresenceHandler(r.onPresence)
	return r
}

// Open starts accepting chat for streamID, moderated by ownerID. Opening an
// open stream keeps its state.
func (r *Relay) Open(streamID, ownerID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[streamID]; ok {
		return
	}
	r.rooms[streamID] = &streamRoom{
		ownerID:  ownerID,
		bans:     make(map[uuid.UUID]struct{}),
		mutes:    make(map[uuid.UUID]time.Time),
		limiters: make(map[uuid.UUID]*rate.Limiter),
		members:  make(map[string]*Client),
	}
	r.logger.Debug("chat opened", zap.String("stream_id", streamID.String()))
}

// Close stops accepting chat for streamID and drops its state.
func (r *Relay) Close(streamID uuid.UUID) {
	r.mu.Lock()
	delete(r.rooms, streamID)
	r.mu.Unlock()
	r.logger.Debug("chat closed", zap.String("stream_id", streamID.String()))
}

// IsOpen reports whether streamID accepts connections.
func (r *Relay) IsOpen(streamID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[streamID]
	return ok
}

func (r *Relay) roomLocked(streamID uuid.UUID) (*streamRoom, error) {
	room, ok := r.rooms[streamID]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "stream is not open for chat")
	}
	return room, nil
}

func (r *Relay) onPresence(streamID uuid.UUID, _ *Client, _ bool, count int) {
	r.hub.Broadcast(streamID, protocol.ViewerCountUpdate{StreamID: streamID, Count: count})
}

// Join announces c to the stream.
func (r *Relay) Join(c *Client) error {
	r.mu.Lock()
	room, err := r.roomLocked(c.StreamID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if _, ok := room.members[c.ID]; ok {
		r.mu.Unlock()
		return nil
	}
	room.members[c.ID] = c
	r.mu.Unlock()
	r.hub.Broadcast(c.StreamID, protocol.UserJoined{
		StreamID:    c.StreamID,
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		ViewerCount: r.hub.AudienceCount(c.StreamID),
	})
	return nil
}

// Leave announces that c left, if it had joined.
func (r *Relay) Leave(c *Client) {
	r.mu.Lock()
	room, err := r.roomLocked(c.StreamID)
	if err != nil {
		r.mu.Unlock()
		return
	}
	if _, ok := room.members[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(room.members, c.ID)
	r.mu.Unlock()
	// The connection may still be registered; leaving does not stop watching.
	r.hub.Broadcast(c.StreamID, protocol.UserLeft{
		StreamID:    c.StreamID,
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		ViewerCount: r.hub.AudienceCount(c.StreamID),
	})
}

// Handle runs a chat or moderation command from s.
func (r *Relay) Handle(ctx context.Context, streamID uuid.UUID, s Sender, cmd protocol.Command) error {
	if s.UserID == nil {
		return apperr.New(apperr.CodeForbidden, "sign in to take part in chat")
	}
	userID := *s.UserID
	switch c := cmd.(type) {
	case protocol.SendMessage:
		return r.sendMessage(ctx, streamID, userID, s.DisplayName, c)
	case protocol.SendLike:
		return r.sendLike(ctx, streamID, userID, s.DisplayName)
	case protocol.SendReaction:
		return r.react(streamID, userID, c)
	case protocol.DeleteMessage, protocol.BanUser, protocol.UnbanUser, protocol.MuteUser,
		protocol.SetSlowMode, protocol.DisableSlowMode:
		return r.moderate(streamID, userID, cmd)
	}
	return apperr.ErrUnknownCommand
}

// admitLocked checks whether userID may post now.
func (room *streamRoom) admitLocked(userID uuid.UUID, now time.Time, slow bool) error {
	if _, banned := room.bans[userID]; banned {
		return apperr.ErrBanned
	}
	if until, muted := room.mutes[userID]; muted {
		if now.Before(until) {
			return apperr.ErrMuted
		}
		delete(room.mutes, userID)
	}
	if !slow || room.slowDelay <= 0 || userID == room.ownerID {
		return nil
	}
	lim, ok := room.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(room.slowDelay), 1)
		room.limiters[userID] = lim
	}
	if !lim.AllowN(now, 1) {
		return apperr.ErrRateLimited
	}
	return nil
}

func (room *streamRoom) appendLocked(msg models.ChatMessage, limit int) {
	room.history = append(room.history, msg)
	if over := len(room.history) - limit; over > 0 {
		room.history = slices.Delete(room.history, 0, over)
	}
}

func (room *streamRoom) indexLocked(messageID string) int {
	return slices.IndexFunc(room.history, func(m models.ChatMessage) bool { return m.ID == messageID })
}

func (r *Relay) sendMessage(ctx context.Context, streamID, userID uuid.UUID, name string, c protocol.SendMessage) error {
	if utf8.RuneCountInString(c.Body) > r.opts.MaxLength {
		return apperr.ErrMessageTooLong
	}
	now := r.opts.Now()
	r.mu.Lock()
	room, err := r.roomLocked(streamID)
	if err == nil {
		err = room.admitLocked(userID, now, true)
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	author := userID
	msg := models.ChatMessage{
		ID:              r.opts.NewID(),
		ClientMessageID: c.ClientMessageID,
		AuthorID:        &author,
		AuthorName:      name,
		Body:            c.Body,
		CreatedAt:       now,
		Kind:            c.Kind,
	}
	room.appendLocked(msg, r.opts.HistorySize)
	r.mu.Unlock()

	r.hub.Broadcast(streamID, protocol.Message{StreamID: streamID, Message: msg})
	if r.opts.Activity != nil {
		r.opts.Activity.ChatMessageSent(ctx, userID)
	}
	return nil
}

func (r *Relay) sendLike(ctx context.Context, streamID, userID uuid.UUID, name string) error {
	now := r.opts.Now()
	r.mu.Lock()
	room, err := r.roomLocked(streamID)
	if err == nil {
		err = room.admitLocked(userID, now, false)
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	author := userID
	msg := models.ChatMessage{
		ID:         r.opts.NewID(),
		AuthorID:   &author,
		AuthorName: name,
		Body:       likeBody,
		CreatedAt:  now,
		Kind:       models.KindLike,
	}
	room.appendLocked(msg, r.opts.HistorySize)
	ownerID := room.ownerID
	r.mu.Unlock()

	r.hub.Broadcast(streamID, protocol.Message{StreamID: streamID, Message: msg})
	if r.opts.Activity != nil && userID != ownerID {
		r.opts.Activity.LikeReceived(ctx, ownerID)
	}
	return nil
}

func (r *Relay) react(streamID, userID uuid.UUID, c protocol.SendReaction) error {
	r.mu.Lock()
	room, err := r.roomLocked(streamID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if _, banned := room.bans[userID]; banned {
		r.mu.Unlock()
		return apperr.ErrBanned
	}
	i := room.indexLocked(c.MessageID)
	if i < 0 || room.history[i].Hidden {
		r.mu.Unlock()
		return apperr.New(apperr.CodeNotFound, "message not found")
	}
	msg := &room.history[i]
	tally := msg.Reactions[c.Emoji]
	if slices.Contains(tally.UserIDs, userID) {
		r.mu.Unlock()
		return nil
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]models.Reaction)
	}
	tally.Count++
	tally.UserIDs = append(tally.UserIDs, userID)
	msg.Reactions[c.Emoji] = tally
	r.mu.Unlock()

	r.hub.Broadcast(streamID, protocol.Reaction{StreamID: streamID, MessageID: c.MessageID, Emoji: c.Emoji, UserID: userID})
	return nil
}

func (r *Relay) moderate(streamID, userID uuid.UUID, cmd protocol.Command) error {
	now := r.opts.Now()
	r.mu.Lock()
	room, err := r.roomLocked(streamID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if userID != room.ownerID {
		r.mu.Unlock()
		return apperr.New(apperr.CodeForbidden, "only the host can moderate")
	}
	ev, err := room.applyLocked(streamID, cmd, now)
	r.mu.Unlock()
	if err != nil || ev == nil {
		return err
	}
	r.hub.Broadcast(streamID, ev)
	r.logger.Info("chat moderated", zap.String("stream_id", streamID.String()), zap.String("command", cmd.Tag()))
	return nil
}

// applyLocked changes room state for a moderation command and returns the
// event announcing it, or nil when nothing changed.
func (room *streamRoom) applyLocked(streamID uuid.UUID, cmd protocol.Command, now time.Time) (protocol.Event, error) {
	targetsOwner := func(id uuid.UUID) error {
		if id == room.ownerID {
			return apperr.New(apperr.CodeForbidden, "the host cannot be moderated")
		}
		return nil
	}
	switch c := cmd.(type) {
	case protocol.DeleteMessage:
		if i := room.indexLocked(c.MessageID); i >= 0 {
			room.history[i].Hidden = true
		}
		return protocol.MessageDeleted{StreamID: streamID, MessageID: c.MessageID}, nil
	case protocol.BanUser:
		if err := targetsOwner(c.UserID); err != nil {
			return nil, err
		}
		if _, already := room.bans[c.UserID]; already {
			return nil, nil
		}
		room.bans[c.UserID] = struct{}{}
		delete(room.limiters, c.UserID)
		name := ""
		for i := range room.history {
			if room.history[i].AuthoredBy(c.UserID) {
				room.history[i].Hidden = true
				name = room.history[i].AuthorName
			}
		}
		return protocol.UserBanned{StreamID: streamID, UserID: c.UserID, DisplayName: name, Reason: c.Reason}, nil
	case protocol.UnbanUser:
		delete(room.bans, c.UserID)
		delete(room.mutes, c.UserID)
		return protocol.UserUnbanned{StreamID: streamID, UserID: c.UserID}, nil
	case protocol.MuteUser:
		if err := targetsOwner(c.UserID); err != nil {
			return nil, err
		}
		until := now.Add(time.Duration(c.DurationSeconds) * time.Second)
		room.mutes[c.UserID] = until
		return protocol.UserMuted{StreamID: streamID, UserID: c.UserID, Until: until}, nil
	case protocol.SetSlowMode:
		delay := time.Duration(c.DelaySeconds) * time.Second
		if delay > chat.MaxSlowModeDelay {
			return nil, apperr.New(apperr.CodeInvalidConfig, "slow mode delay is too long")
		}
		room.slowDelay = delay
		clear(room.limiters)
		return protocol.SlowMode{StreamID: streamID, DelaySeconds: c.DelaySeconds}, nil
	case protocol.DisableSlowMode:
		room.slowDelay = 0
		clear(room.limiters)
		return protocol.SlowMode{StreamID: streamID}, nil
	}
	return nil, apperr.ErrUnknownCommand
}

// Recent returns up to limit of the stream's latest messages, oldest first.
func (r *Relay) Recent(_ context.Context, streamID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, err := r.roomLocked(streamID)
	if err != nil {
		return nil, err
	}
	from := 0
	if limit > 0 && len(room.history) > limit {
		from = len(room.history) - limit
	}
	out := make([]models.ChatMessage, 0, len(room.history)-from)
	for _, m := range room.history[from:] {
		out = append(out, m.Clone())
	}
	return out, nil
}

// Subscribe delivers the stream's events to fn.
func (r *Relay) Subscribe(streamID uuid.UUID, fn func(protocol.Event)) (func(), error) {
	return r.hub.Listen(streamID, fn), nil
}

// Publish broadcasts ev to the stream.
func (r *Relay) Publish(streamID uuid.UUID, ev protocol.Event) {
	r.hub.Broadcast(streamID, ev)
}

// Transport returns an in-process transport issuing commands as author.
func (r *Relay) Transport(streamID uuid.UUID, author chat.Author) chat.Transport {
	id := author.ID
	return &localTransport{relay: r, streamID: streamID, sender: Sender{UserID: &id, DisplayName: author.Name}}
}

type localTransport struct {
	relay    *Relay
	streamID uuid.UUID
	sender   Sender
}

func (t *localTransport) Dispatch(ctx context.Context, cmd protocol.Command) error {
	if cmd.Stream() != t.streamID {
		return apperr.New(apperr.CodeForbidden, "command is for another stream")
	}
	return t.relay.Handle(ctx, t.streamID, t.sender, cmd)
}
