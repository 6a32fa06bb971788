// Package chat keeps the ordered, moderated message log of one session and
// reconciles messages sent from this side with their authoritative copies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/protocol"
	"github.com/aura-live/backend/pkg/apperr"
)

const (
	DefaultMaxLength    = 500
	DefaultHistoryLimit = 100
	localIDPrefix       = "local-"
)

// Transport delivers commands to the realtime channel. A returned coded error
// (see apperr) is a rejection of the command; any other error is a transport
// failure.
type Transport interface {
	Dispatch(ctx context.Context, cmd protocol.Command) error
}

// HistorySource returns the most recent authoritative messages of a stream,
// oldest first.
type HistorySource interface {
	Recent(ctx context.Context, streamID uuid.UUID, limit int) ([]models.ChatMessage, error)
}

// Author identifies the local user of a pipeline.
type Author struct {
	ID   uuid.UUID
	Name string
}

// UpdateKind identifies a change to the pipeline.
type UpdateKind string

const (
	UpdateAppended   UpdateKind = "appended"
	UpdateReconciled UpdateKind = "reconciled"
	UpdateRolledBack UpdateKind = "rolled_back"
	UpdateHidden     UpdateKind = "hidden"
	UpdateCleared    UpdateKind = "cleared"
	UpdateReaction   UpdateKind = "reaction"
	UpdateViewers    UpdateKind = "viewers"
	UpdateConnection UpdateKind = "connection"
	UpdateSlowMode   UpdateKind = "slow_mode"
)

// Update is delivered to the update handler after a change.
type Update struct {
	Kind      UpdateKind
	Message   *models.ChatMessage
	Viewers   int
	Connected bool
}

// Options configure a Pipeline.
type Options struct {
	StreamID     uuid.UUID
	Self         Author
	Moderator    bool // Self owns the stream; slow mode does not limit it
	Transport    Transport
	History      HistorySource
	MaxLength    int
	HistoryLimit int
	Now          func() time.Time
	NewID        func() string
	Logger       *zap.Logger
}

type entry struct {
	msg models.ChatMessage
	seq uint64
}

// Pipeline owns one session's chat log. All mutations happen under mu; views
// are copies taken under the same lock.
type Pipeline struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	log        []entry
	seq        uint64
	clearedSeq uint64
	attached   bool
	connected  bool
	bans       map[uuid.UUID]struct{}
	mutes      map[uuid.UUID]time.Time
	limiter    *rate.Limiter
	slowDelay  time.Duration
	viewers    int
	peak       int

	notifyMu sync.Mutex
	onUpdate func(Update)
}

// New creates a detached pipeline.
func New(opts Options) *Pipeline {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
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
	return &Pipeline{
		opts:   opts,
		logger: opts.Logger.With(zap.String("stream_id", opts.StreamID.String())),
		bans:   make(map[uuid.UUID]struct{}),
		mutes:  make(map[uuid.UUID]time.Time),
	}
}

// SetUpdateHandler sets the callback for pipeline changes. It must not call
// back into the pipeline.
func (p *Pipeline) SetUpdateHandler(fn func(Update)) {
	p.notifyMu.Lock()
	p.onUpdate = fn
	p.notifyMu.Unlock()
}

// Attach binds the pipeline to the live session and marks it connected.
func (p *Pipeline) Attach() {
	p.mu.Lock()
	p.attached = true
	p.connected = true
	p.unlockAndNotify(Update{Kind: UpdateConnection, Connected: true})
}

// Detach unbinds the pipeline from the session. The log is kept for the
// session summary.
func (p *Pipeline) Detach() {
	p.mu.Lock()
	p.attached = false
	p.connected = false
	p.unlockAndNotify(Update{Kind: UpdateConnection, Connected: false})
}

// SetConnected records a transport state change. Reconnecting does not
// resync by itself; call Resync.
func (p *Pipeline) SetConnected(connected bool) {
	p.mu.Lock()
	if p.connected == connected || !p.attached {
		p.mu.Unlock()
		return
	}
	p.connected = connected
	p.unlockAndNotify(Update{Kind: UpdateConnection, Connected: connected})
	if !connected {
		p.logger.Warn("chat transport disconnected")
	}
}

// Connected reports whether sends can be dispatched.
func (p *Pipeline) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached && p.connected
}

// Send appends text as an optimistic message and dispatches it. Commands are
// applied locally and return a zero message.
func (p *Pipeline) Send(ctx context.Context, text string) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, apperr.ErrEmptyMessage
	}
	cmd, isCmd, err := ParseCommand(text)
	if isCmd {
		if err != nil {
			return models.ChatMessage{}, err
		}
		p.apply(cmd)
		return models.ChatMessage{}, nil
	}

	p.mu.Lock()
	if !p.attached || !p.connected {
		p.mu.Unlock()
		return models.ChatMessage{}, apperr.ErrNotConnected
	}
	if utf8.RuneCountInString(text) > p.opts.MaxLength {
		p.mu.Unlock()
		return models.ChatMessage{}, apperr.ErrMessageTooLong
	}
	if _, muted := p.mutes[p.opts.Self.ID]; muted {
		p.mu.Unlock()
		return models.ChatMessage{}, apperr.ErrMuted
	}
	now := p.opts.Now()
	if p.limiter != nil && !p.opts.Moderator && !p.limiter.AllowN(now, 1) {
		p.mu.Unlock()
		return models.ChatMessage{}, apperr.ErrRateLimited
	}
	self := p.opts.Self.ID
	msg := models.ChatMessage{
		ID:              localIDPrefix + p.opts.NewID(),
		ClientMessageID: p.opts.NewID(),
		AuthorID:        &self,
		AuthorName:      p.opts.Self.Name,
		Body:            text,
		CreatedAt:       now,
		Kind:            models.KindText,
		Local:           true,
	}
	p.insertLocked(msg)
	out := msg.Clone()
	p.unlockAndNotify(Update{Kind: UpdateAppended, Message: &out})

	err = p.dispatch(ctx, protocol.SendMessage{
		Base:            protocol.Base{StreamID: p.opts.StreamID},
		ClientMessageID: msg.ClientMessageID,
		Body:            msg.Body,
		Kind:            msg.Kind,
	})
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeUnknown {
			p.OnSendRejected(msg.ClientMessageID)
			return models.ChatMessage{}, err
		}
		p.markFailed(msg.ClientMessageID)
		out.Failed = true
	}
	return out, nil
}

// SendLike dispatches a like. The like shows up when the relay echoes it.
func (p *Pipeline) SendLike(ctx context.Context) error {
	if !p.Connected() {
		return apperr.ErrNotConnected
	}
	err := p.dispatch(ctx, protocol.SendLike{Base: protocol.Base{StreamID: p.opts.StreamID}})
	if err != nil && apperr.CodeOf(err) != apperr.CodeUnknown {
		return err
	}
	return nil
}

// React adds the local user's vote for emoji on a message and dispatches it.
func (p *Pipeline) React(ctx context.Context, messageID, emoji string) error {
	if !p.Connected() {
		return apperr.ErrNotConnected
	}
	if !p.addReaction(messageID, emoji, p.opts.Self.ID) {
		return apperr.New(apperr.CodeNotFound, "message not found")
	}
	err := p.dispatch(ctx, protocol.SendReaction{
		Base:      protocol.Base{StreamID: p.opts.StreamID},
		MessageID: messageID,
		Emoji:     emoji,
	})
	if err != nil && apperr.CodeOf(err) != apperr.CodeUnknown {
		return err
	}
	return nil
}

// Moderate asks the relay to apply a. The log changes when the resulting
// moderation event comes back.
func (p *Pipeline) Moderate(ctx context.Context, a Action) error {
	if !p.Connected() {
		return apperr.ErrNotConnected
	}
	base := protocol.Base{StreamID: p.opts.StreamID}
	var cmd protocol.Command
	switch act := a.(type) {
	case DeleteMessage:
		cmd = protocol.DeleteMessage{Base: base, MessageID: act.MessageID}
	case BanUser:
		cmd = protocol.BanUser{Base: base, UserID: act.UserID, Reason: act.Reason}
	case MuteUser:
		secs := int(act.Until.Sub(p.opts.Now()).Round(time.Second) / time.Second)
		if secs <= 0 {
			return apperr.New(apperr.CodeInvalidConfig, "mute must end in the future")
		}
		cmd = protocol.MuteUser{Base: base, UserID: act.UserID, DurationSeconds: secs}
	case UnbanUser:
		cmd = protocol.UnbanUser{Base: base, UserID: act.UserID}
	default:
		return apperr.ErrUnknownCommand
	}
	return p.dispatch(ctx, cmd)
}

// dispatch sends cmd and turns transport failures into a disconnect.
func (p *Pipeline) dispatch(ctx context.Context, cmd protocol.Command) error {
	if p.opts.Transport == nil {
		return fmt.Errorf("no transport")
	}
	err := p.opts.Transport.Dispatch(ctx, cmd)
	if err == nil {
		return nil
	}
	if apperr.CodeOf(err) != apperr.CodeUnknown {
		p.logger.Info("chat command rejected", zap.String("command", cmd.Tag()), zap.String("code", string(apperr.CodeOf(err))))
		return err
	}
	p.logger.Warn("chat dispatch failed", zap.String("command", cmd.Tag()), zap.Error(err))
	p.SetConnected(false)
	return err
}

// HandleEvent applies an event received from the realtime channel.
func (p *Pipeline) HandleEvent(ev protocol.Event) {
	if a, ok := ActionFromEvent(ev); ok {
		p.OnModeration(a)
		return
	}
	switch e := ev.(type) {
	case protocol.Message:
		p.OnRemoteMessage(e.Message)
	case protocol.ViewerCountUpdate:
		p.OnViewerCountUpdate(e.Count)
	case protocol.Reaction:
		p.OnReaction(e.MessageID, e.Emoji, e.UserID)
	case protocol.SlowMode:
		p.setSlowMode(time.Duration(e.DelaySeconds) * time.Second)
	case protocol.Error:
		if e.ClientMessageID != "" {
			p.OnSendRejected(e.ClientMessageID)
		}
	}
}

// OnRemoteMessage inserts an authoritative message, replacing the optimistic
// copy it confirms. The copy is found by correlation id, falling back to the
// first local entry with the same author and body.
func (p *Pipeline) OnRemoteMessage(msg models.ChatMessage) {
	msg = msg.Clone()
	msg.Local = false
	msg.Failed = false

	p.mu.Lock()
	if msg.ID == "" || p.indexOfLocked(msg.ID) >= 0 {
		p.mu.Unlock()
		return
	}
	kind := UpdateAppended
	if i := p.pendingMatchLocked(msg); i >= 0 {
		p.log = slices.Delete(p.log, i, i+1)
		kind = UpdateReconciled
	}
	p.insertLocked(msg)
	out := msg.Clone()
	p.unlockAndNotify(Update{Kind: kind, Message: &out})
}

func (p *Pipeline) pendingMatchLocked(msg models.ChatMessage) int {
	if msg.ClientMessageID != "" {
		i := slices.IndexFunc(p.log, func(e entry) bool {
			return e.msg.Local && e.msg.ClientMessageID == msg.ClientMessageID
		})
		if i >= 0 {
			return i
		}
	}
	if msg.AuthorID == nil {
		return -1
	}
	return slices.IndexFunc(p.log, func(e entry) bool {
		return e.msg.Local && e.msg.AuthoredBy(*msg.AuthorID) && e.msg.Body == msg.Body
	})
}

// OnSendRejected removes the optimistic entry for a send the relay refused.
func (p *Pipeline) OnSendRejected(clientMessageID string) {
	p.mu.Lock()
	i := slices.IndexFunc(p.log, func(e entry) bool {
		return e.msg.Local && e.msg.ClientMessageID == clientMessageID
	})
	if i < 0 {
		p.mu.Unlock()
		return
	}
	out := p.log[i].msg.Clone()
	p.log = slices.Delete(p.log, i, i+1)
	p.unlockAndNotify(Update{Kind: UpdateRolledBack, Message: &out})
}

func (p *Pipeline) markFailed(clientMessageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.log {
		if p.log[i].msg.Local && p.log[i].msg.ClientMessageID == clientMessageID {
			p.log[i].msg.Failed = true
			return
		}
	}
}

// OnModeration applies a moderation action.
func (p *Pipeline) OnModeration(a Action) {
	p.mu.Lock()
	var updates []Update
	switch act := a.(type) {
	case DeleteMessage:
		if i := p.indexOfLocked(act.MessageID); i >= 0 && !p.log[i].msg.Hidden {
			p.log[i].msg.Hidden = true
			out := p.log[i].msg.Clone()
			updates = append(updates, Update{Kind: UpdateHidden, Message: &out})
		}
	case BanUser:
		for i := range p.log {
			if p.log[i].msg.AuthoredBy(act.UserID) && !p.log[i].msg.Hidden {
				p.log[i].msg.Hidden = true
				out := p.log[i].msg.Clone()
				updates = append(updates, Update{Kind: UpdateHidden, Message: &out})
			}
		}
		if _, already := p.bans[act.UserID]; !already {
			p.bans[act.UserID] = struct{}{}
			notice := p.systemNoticeLocked(banNotice(act))
			updates = append(updates, Update{Kind: UpdateAppended, Message: &notice})
		}
	case MuteUser:
		p.mutes[act.UserID] = act.Until
	case UnbanUser:
		delete(p.bans, act.UserID)
		delete(p.mutes, act.UserID)
	}
	p.unlockAndNotify(updates...)
}

func banNotice(b BanUser) string {
	name := b.DisplayName
	if name == "" {
		name = "A user"
	}
	return name + " was banned from the chat"
}

func (p *Pipeline) systemNoticeLocked(body string) models.ChatMessage {
	msg := models.ChatMessage{
		ID:         "system-" + p.opts.NewID(),
		AuthorName: "system",
		Body:       body,
		CreatedAt:  p.opts.Now(),
		Kind:       models.KindSystem,
	}
	p.insertLocked(msg)
	return msg.Clone()
}

// OnReaction records userID's vote for emoji on a message.
func (p *Pipeline) OnReaction(messageID, emoji string, userID uuid.UUID) {
	p.addReaction(messageID, emoji, userID)
}

func (p *Pipeline) addReaction(messageID, emoji string, userID uuid.UUID) bool {
	p.mu.Lock()
	i := p.indexOfLocked(messageID)
	if i < 0 {
		p.mu.Unlock()
		return false
	}
	m := &p.log[i].msg
	if m.Reactions == nil {
		m.Reactions = make(map[string]models.Reaction)
	}
	r := m.Reactions[emoji]
	if slices.Contains(r.UserIDs, userID) {
		p.mu.Unlock()
		return true
	}
	r.UserIDs = append(r.UserIDs, userID)
	r.Count = len(r.UserIDs)
	m.Reactions[emoji] = r
	out := m.Clone()
	p.unlockAndNotify(Update{Kind: UpdateReaction, Message: &out})
	return true
}

// OnViewerCountUpdate records the live viewer count.
func (p *Pipeline) OnViewerCountUpdate(count int) {
	p.mu.Lock()
	p.viewers = max(count, 0)
	p.peak = max(p.peak, p.viewers)
	p.unlockAndNotify(Update{Kind: UpdateViewers, Viewers: p.viewers})
}

// Viewers returns the current and peak viewer counts.
func (p *Pipeline) Viewers() (current, peak int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewers, p.peak
}

// Tick expires mutes whose deadline has passed.
func (p *Pipeline) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, until := range p.mutes {
		if !now.Before(until) {
			delete(p.mutes, id)
		}
	}
}

// Muted reports whether userID currently has a mute entry.
func (p *Pipeline) Muted(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.mutes[userID]
	return ok
}

// Banned reports whether userID was banned in this session.
func (p *Pipeline) Banned(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bans[userID]
	return ok
}

func (p *Pipeline) apply(cmd Command) {
	switch c := cmd.(type) {
	case ClearCommand:
		p.mu.Lock()
		p.clearedSeq = p.seq
		p.unlockAndNotify(Update{Kind: UpdateCleared})
	case SlowModeCommand:
		p.setSlowMode(c.Delay)
	}
}

func (p *Pipeline) setSlowMode(delay time.Duration) {
	p.mu.Lock()
	p.slowDelay = delay
	if delay <= 0 {
		p.limiter = nil
	} else {
		p.limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	p.unlockAndNotify(Update{Kind: UpdateSlowMode})
}

// SlowMode returns the active slow mode delay, zero when off.
func (p *Pipeline) SlowMode() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slowDelay
}

// FilteredView returns visible messages in log order. A nil kind keeps every
// kind; includeSystem=false drops system messages. The log is not modified.
func (p *Pipeline) FilteredView(kind *models.MessageKind, includeSystem bool) []models.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ChatMessage, 0, len(p.log))
	for _, e := range p.log {
		m := e.msg
		if m.Hidden || e.seq <= p.clearedSeq {
			continue
		}
		if kind != nil && m.Kind != *kind {
			continue
		}
		if !includeSystem && m.Kind.IsSystem() {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// Log returns every entry, hidden ones included.
func (p *Pipeline) Log() []models.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ChatMessage, len(p.log))
	for i, e := range p.log {
		out[i] = e.msg.Clone()
	}
	return out
}

// Resync merges recent authoritative history after a reconnect. Pending
// optimistic entries that history confirms are replaced; the rest stay.
func (p *Pipeline) Resync(ctx context.Context) error {
	if p.opts.History == nil {
		return errors.New("no history source")
	}
	history, err := p.opts.History.Recent(ctx, p.opts.StreamID, p.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	for _, m := range history {
		p.OnRemoteMessage(m)
	}
	p.SetConnected(true)
	p.logger.Info("chat resynced", zap.Int("messages", len(history)))
	return nil
}

// insertLocked places msg after every entry with an equal or earlier
// timestamp, so ties keep arrival order.
func (p *Pipeline) insertLocked(msg models.ChatMessage) {
	p.seq++
	i, _ := slices.BinarySearchFunc(p.log, msg.CreatedAt, func(e entry, t time.Time) int {
		if e.msg.CreatedAt.After(t) {
			return 1
		}
		return -1
	})
	p.log = slices.Insert(p.log, i, entry{msg: msg, seq: p.seq})
}

func (p *Pipeline) indexOfLocked(id string) int {
	return slices.IndexFunc(p.log, func(e entry) bool { return e.msg.ID == id })
}

// unlockAndNotify releases mu and delivers updates in mutation order.
// Caller holds mu.
func (p *Pipeline) unlockAndNotify(updates ...Update) {
	p.notifyMu.Lock()
	p.mu.Unlock()
	defer p.notifyMu.Unlock()
	if p.onUpdate == nil {
		return
	}
	for _, u := range updates {
		p.onUpdate(u)
	}
}
