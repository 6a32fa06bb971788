package progression

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

// Reason explains why experience was awarded.
type Reason string

const (
	ReasonStreamStarted Reason = "stream_started"
	ReasonStreamMinutes Reason = "stream_minutes"
	ReasonChatMessage   Reason = "chat_message"
	ReasonLikeReceived  Reason = "like_received"
	ReasonCoBroadcast   Reason = "co_broadcast"
	ReasonChallenge     Reason = "challenge_completed"
)

// Store loads and saves progression state. It is the only place the engine
// touches external storage. Load returns (nil, nil) when nothing is stored.
type Store interface {
	Load(ctx context.Context, userID uuid.UUID) (*models.Progression, error)
	Save(ctx context.Context, p models.Progression) error
}

// StatsProvider reads aggregate account stats for the unlock scan.
type StatsProvider interface {
	Stats(ctx context.Context, userID uuid.UUID) (models.AccountStats, error)
}

// Options configure an Engine.
type Options struct {
	Store   Store
	Stats   StatsProvider
	Catalog *Catalog
	Now     func() time.Time
	Logger  *zap.Logger
}

// Engine owns the progression state of one account. It is safe for
// concurrent use by several sessions of the same user.
type Engine struct {
	userID  uuid.UUID
	store   Store
	stats   StatsProvider
	catalog *Catalog
	now     func() time.Time
	logger  *zap.Logger

	loadMu sync.Mutex

	mu     sync.Mutex
	loaded bool // stored state has been read; nothing is persisted before that
	state  models.Progression
	perks  map[string]struct{}
	badges map[string]struct{}
	rev    uint64

	// dispatchMu keeps notification delivery in the order changes were applied.
	dispatchMu sync.Mutex

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	saveMu   sync.Mutex
	savedRev uint64
}

// NewEngine creates an engine for userID with default (empty) state. Call
// Load to restore persisted state.
func NewEngine(userID uuid.UUID, opts Options) *Engine {
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Engine{
		userID:    userID,
		store:     opts.Store,
		stats:     opts.Stats,
		catalog:   opts.Catalog,
		now:       opts.Now,
		logger:    opts.Logger.With(zap.String("user_id", userID.String())),
		observers: make(map[int]Observer),
	}
	e.reset(nil)
	return e
}

// UserID returns the account the engine belongs to.
func (e *Engine) UserID() uuid.UUID { return e.userID }

// Subscribe registers an observer and returns a function removing it.
func (e *Engine) Subscribe(o Observer) (unsubscribe func()) {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = o
	e.obsMu.Unlock()
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// Load restores persisted state. Once a read succeeds later calls are no-ops.
// Missing data leaves the account at level 1 with no experience, perks or
// badges. A failed read leaves the engine on in-memory defaults that are
// never saved; the read is retried on the next call and its result replaces
// them. It never fails.
func (e *Engine) Load(ctx context.Context) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.isLoaded() {
		return
	}
	var stored *models.Progression
	if e.store != nil {
		p, err := e.store.Load(ctx, e.userID)
		if err != nil {
			e.logger.Warn("progression load failed, using unsaved defaults", zap.Error(err))
			e.mu.Lock()
			e.refreshChallengesLocked(e.now())
			e.mu.Unlock()
			return
		}
		stored = p
	}
	e.mu.Lock()
	e.reset(stored)
	e.refreshChallengesLocked(e.now())
	e.loaded = true
	e.mu.Unlock()
}

func (e *Engine) isLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// reset replaces the state with p (or defaults) and re-derives the level.
// Caller holds mu or has exclusive access.
func (e *Engine) reset(p *models.Progression) {
	state := models.Progression{UserID: e.userID}
	if p != nil {
		state = p.Clone()
		state.UserID = e.userID
	}
	if state.Experience < 0 {
		state.Experience = 0
	}
	state.Level = LevelFor(state.Experience)
	state.Perks = uniq(state.Perks)
	state.Badges = uniq(state.Badges)
	e.perks = toSet(state.Perks)
	e.badges = toSet(state.Badges)
	e.state = state
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() models.Progression {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// AwardExperience adds points for reason. Every crossed level unlocks its
// perks in ascending order, a single level-up notification carries the old
// and new level, and the unlock scan runs afterwards. Notifications are
// delivered before AwardExperience returns.
func (e *Engine) AwardExperience(ctx context.Context, points int64, reason Reason) error {
	if points <= 0 {
		return apperr.New(apperr.CodeInvalidAward, "experience award must be positive")
	}
	e.Load(ctx)
	stats := e.fetchStats(ctx)

	e.mu.Lock()
	out := e.awardLocked(points, reason, nil)
	out = e.scanLocked(stats, out)
	e.commit(ctx, out, true)
	return nil
}

// UpdateProgress advances every open daily and weekly challenge of type typ
// by amount and grants the reward of any that reach their target.
func (e *Engine) UpdateProgress(ctx context.Context, typ models.ChallengeType, amount int) error {
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidAward, "challenge progress must be positive")
	}
	e.Load(ctx)
	stats := e.fetchStats(ctx)

	e.mu.Lock()
	changed := e.refreshChallengesLocked(e.now())
	for _, set := range [][]models.Challenge{e.state.Daily, e.state.Weekly} {
		for i := range set {
			if !set[i].Completed() && set[i].Type == typ {
				set[i].Progress += amount
				changed = true
			}
		}
	}
	out := e.completeChallengesLocked(nil)
	out = e.scanLocked(stats, out)
	e.commit(ctx, out, changed)
	return nil
}

// CheckForNewUnlocks evaluates all perk and badge definitions against the
// current stats and unlocks the newly satisfied ones.
func (e *Engine) CheckForNewUnlocks(ctx context.Context) {
	e.Load(ctx)
	stats := e.fetchStats(ctx)
	e.mu.Lock()
	out := e.scanLocked(stats, nil)
	e.commit(ctx, out, false)
}

// Tick rolls over expired challenge sets and rescans unlocks, picking up
// stat changes that happened outside this engine (new followers).
func (e *Engine) Tick(ctx context.Context) {
	e.Load(ctx)
	stats := e.fetchStats(ctx)
	e.mu.Lock()
	rolled := e.refreshChallengesLocked(e.now())
	out := e.scanLocked(stats, nil)
	e.commit(ctx, out, rolled)
}

// Save persists the current state unconditionally. It refuses to overwrite the
// stored record until that record has been read.
func (e *Engine) Save(ctx context.Context) error {
	e.mu.Lock()
	snap, rev, loaded := e.state.Clone(), e.rev, e.loaded
	e.mu.Unlock()
	if !loaded {
		return apperr.New(apperr.CodeNotConnected, "progression has not been loaded")
	}
	return e.persist(ctx, snap, rev, true)
}

// commit releases mu, delivers out in the order it was produced and persists
// the new state when anything changed. Caller holds mu.
func (e *Engine) commit(ctx context.Context, out []Notification, changed bool) {
	dirty := changed || len(out) > 0
	if dirty {
		e.rev++
	}
	snap, rev, loaded := e.state.Clone(), e.rev, e.loaded
	e.dispatchMu.Lock()
	e.mu.Unlock()
	e.dispatch(out)
	e.dispatchMu.Unlock()

	if !dirty || !loaded {
		return
	}
	if err := e.persist(ctx, snap, rev, false); err != nil {
		e.logger.Warn("progression save failed", zap.Error(err))
	}
}

// persist writes snap unless a newer revision was already saved.
func (e *Engine) persist(ctx context.Context, snap models.Progression, rev uint64, force bool) error {
	if e.store == nil {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if !force && rev <= e.savedRev {
		return nil
	}
	if err := e.store.Save(ctx, snap); err != nil {
		return err
	}
	e.savedRev = max(e.savedRev, rev)
	return nil
}

func (e *Engine) dispatch(out []Notification) {
	if len(out) == 0 {
		return
	}
	e.obsMu.RLock()
	ids := make([]int, 0, len(e.observers))
	for id := range e.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, e.observers[id])
	}
	e.obsMu.RUnlock()

	for _, n := range out {
		for _, o := range observers {
			o.Notify(n)
		}
	}
}

func (e *Engine) awardLocked(points int64, reason Reason, out []Notification) []Notification {
	old := e.state.Level
	e.state.Experience += points
	e.state.Level = LevelFor(e.state.Experience)
	e.logger.Debug("experience awarded", zap.Int64("points", points), zap.String("reason", string(reason)), zap.Int64("experience", e.state.Experience))
	if e.state.Level <= old {
		return out
	}
	now := e.now()
	out = append(out, Notification{Kind: NotifyLevelUp, UserID: e.userID, OldLevel: old, NewLevel: e.state.Level, Reason: reason, At: now})
	for level := old + 1; level <= e.state.Level; level++ {
		for _, def := range e.catalog.PerksAtLevel(level) {
			if e.unlockPerkLocked(def) {
				d := def
				out = append(out, Notification{Kind: NotifyPerkUnlocked, UserID: e.userID, Item: &d, At: now})
			}
		}
	}
	return out
}

func (e *Engine) completeChallengesLocked(out []Notification) []Notification {
	now := e.now()
	for _, set := range [][]models.Challenge{e.state.Daily, e.state.Weekly} {
		for i := range set {
			c := &set[i]
			if c.Completed() || c.Progress < c.Target {
				continue
			}
			at := now
			c.CompletedAt = &at
			done := *c
			out = append(out, Notification{Kind: NotifyChallengeCompleted, UserID: e.userID, Challenge: &done, At: now})
			if c.Reward > 0 {
				out = e.awardLocked(c.Reward, ReasonChallenge, out)
			}
		}
	}
	return out
}

func (e *Engine) scanLocked(stats models.AccountStats, out []Notification) []Notification {
	s := Stats{
		Likes:       stats.Likes,
		Followers:   stats.Followers,
		Level:       e.state.Level,
		StreamHours: float64(stats.StreamSeconds) / 3600,
	}
	now := e.now()
	for _, def := range e.catalog.Perks {
		if _, ok := e.perks[def.ID]; ok || !def.Requirement.SatisfiedBy(s) {
			continue
		}
		e.unlockPerkLocked(def)
		d := def
		out = append(out, Notification{Kind: NotifyPerkUnlocked, UserID: e.userID, Item: &d, At: now})
	}
	for _, def := range e.catalog.Badges {
		if _, ok := e.badges[def.ID]; ok || !def.Requirement.SatisfiedBy(s) {
			continue
		}
		e.badges[def.ID] = struct{}{}
		e.state.Badges = append(e.state.Badges, def.ID)
		d := def
		out = append(out, Notification{Kind: NotifyBadgeEarned, UserID: e.userID, Item: &d, At: now})
	}
	return out
}

func (e *Engine) unlockPerkLocked(def Definition) bool {
	if _, ok := e.perks[def.ID]; ok {
		return false
	}
	e.perks[def.ID] = struct{}{}
	e.state.Perks = append(e.state.Perks, def.ID)
	return true
}

// refreshChallengesLocked replaces expired or missing challenge sets.
func (e *Engine) refreshChallengesLocked(now time.Time) bool {
	rolled := false
	if expired(e.state.Daily, now) {
		e.state.Daily = e.catalog.instantiate(models.PeriodDaily, now)
		rolled = true
	}
	if expired(e.state.Weekly, now) {
		e.state.Weekly = e.catalog.instantiate(models.PeriodWeekly, now)
		rolled = true
	}
	return rolled
}

func expired(set []models.Challenge, now time.Time) bool {
	if len(set) == 0 {
		return true
	}
	for _, c := range set {
		if !now.Before(c.ExpiresAt) {
			return true
		}
	}
	return false
}

func (e *Engine) fetchStats(ctx context.Context) models.AccountStats {
	if e.stats == nil {
		return models.AccountStats{}
	}
	stats, err := e.stats.Stats(ctx, e.userID)
	if err != nil {
		e.logger.Warn("account stats unavailable, scanning with level only", zap.Error(err))
		return models.AccountStats{}
	}
	return stats
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func uniq(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		if _, ok := seen[it]; ok || it == "" {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
