package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/protocol"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	roomBuffer = 256
)

// PresenceHandler is called after a connection joins or leaves a stream, with
// the number of connections now in it.
type PresenceHandler func(streamID uuid.UUID, c *Client, joined bool, count int)

// RedisPublisher publishes stream events for cross-instance broadcast.
type RedisPublisher interface {
	PublishStreamEvent(streamID uuid.UUID, env protocol.Envelope) error
}

// RedisSubscriber subscribes to stream channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeStream(streamID uuid.UUID, handler func(protocol.Envelope)) (cancel func(), err error)
}

// room is one stream's connections and in-process listeners. Every event for
// the stream goes through events and is delivered by a single goroutine, so
// all receivers see the same order.
type room struct {
	clients      map[string]*Client
	listeners    map[int]func(protocol.Event)
	nextListener int
	events       chan protocol.Envelope
	stop         chan struct{}
	cancelSub    func()
}

// Hub maintains stream_id -> connections and listeners and broadcasts events.
// With Redis configured, events are published only to Redis and the
// subscription delivers them once to every instance, this one included.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[uuid.UUID]*room
	logger     *zap.Logger
	redis      RedisPublisher
	redisSub   RedisSubscriber
	onPresence PresenceHandler
}

// NewHub creates a new WebSocket hub. The Redis bridge is optional.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[uuid.UUID]*room),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetPresenceHandler sets the callback for connections joining and leaving.
func (h *Hub) SetPresenceHandler(fn PresenceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPresence = fn
}

// roomLocked returns the room for streamID, opening it and its Redis
// subscription if needed. Caller holds h.mu.
func (h *Hub) roomLocked(streamID uuid.UUID) *room {
	if r := h.rooms[streamID]; r != nil {
		return r
	}
	r := &room{
		clients:   make(map[string]*Client),
		listeners: make(map[int]func(protocol.Event)),
		events:    make(chan protocol.Envelope, roomBuffer),
		stop:      make(chan struct{}),
	}
	if h.redisSub != nil {
		cancel, err := h.redisSub.SubscribeStream(streamID, func(env protocol.Envelope) {
			h.enqueue(r, env)
		})
		if err != nil {
			h.logger.Warn("redis subscribe failed", zap.String("stream_id", streamID.String()), zap.Error(err))
		} else {
			r.cancelSub = cancel
		}
	}
	h.rooms[streamID] = r
	go h.deliver(streamID, r)
	return r
}

// closeIfEmptyLocked tears the room down once nothing is attached. Caller holds h.mu.
func (h *Hub) closeIfEmptyLocked(streamID uuid.UUID, r *room) {
	if len(r.clients) > 0 || len(r.listeners) > 0 {
		return
	}
	delete(h.rooms, streamID)
	if r.cancelSub != nil {
		r.cancelSub()
	}
	close(r.stop)
}

func (h *Hub) enqueue(r *room, env protocol.Envelope) {
	select {
	case r.events <- env:
	case <-r.stop:
	}
}

func (h *Hub) deliver(streamID uuid.UUID, r *room) {
	for {
		select {
		case <-r.stop:
			return
		case env := <-r.events:
			h.dispatch(streamID, r, env)
		}
	}
}

func (h *Hub) dispatch(streamID uuid.UUID, r *room, env protocol.Envelope) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	listeners := make([]func(protocol.Event), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(env)
	}
	if len(listeners) == 0 {
		return
	}
	ev, err := protocol.DecodeEvent(env)
	if err != nil {
		h.logger.Warn("undecodable stream event", zap.String("stream_id", streamID.String()), zap.String("event", env.Event), zap.Error(err))
		return
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// Register adds a client to its stream room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	r := h.roomLocked(c.StreamID)
	r.clients[c.ID] = c
	count := len(r.clients)
	onPresence := h.onPresence
	h.mu.Unlock()
	if onPresence != nil {
		onPresence(c.StreamID, c, true, count)
	}
	h.logger.Debug("client joined stream", zap.String("client_id", c.ID), zap.String("stream_id", c.StreamID.String()))
}

// Unregister removes a client from its stream room.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	r, ok := h.rooms[c.StreamID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := r.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(r.clients, c.ID)
	count := len(r.clients)
	onPresence := h.onPresence
	h.closeIfEmptyLocked(c.StreamID, r)
	h.mu.Unlock()
	if onPresence != nil {
		onPresence(c.StreamID, c, false, count)
	}
	h.logger.Debug("client left stream", zap.String("client_id", c.ID), zap.String("stream_id", c.StreamID.String()))
}

// Listen delivers every event of streamID to fn until the returned cancel is
// called. fn runs on the room's delivery goroutine and must not block on it.
func (h *Hub) Listen(streamID uuid.UUID, fn func(protocol.Event)) (cancel func()) {
	h.mu.Lock()
	r := h.roomLocked(streamID)
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if cur := h.rooms[streamID]; cur == r {
				delete(r.listeners, id)
				h.closeIfEmptyLocked(streamID, r)
			}
		})
	}
}

// Broadcast sends ev to everyone in the stream on every instance.
func (h *Hub) Broadcast(streamID uuid.UUID, ev protocol.Event) {
	env, err := protocol.EncodeEvent(ev)
	if err != nil {
		h.logger.Error("encode event failed", zap.String("event", ev.Tag()), zap.Error(err))
		return
	}
	if h.redis != nil {
		err := h.redis.PublishStreamEvent(streamID, env)
		if err == nil {
			return
		}
		h.logger.Warn("redis publish failed, delivering locally", zap.String("stream_id", streamID.String()), zap.Error(err))
	}
	h.mu.RLock()
	r := h.rooms[streamID]
	h.mu.RUnlock()
	if r != nil {
		h.enqueue(r, env)
	}
}

// SendToClient sends ev to a single connection.
func (h *Hub) SendToClient(c *Client, ev protocol.Event) {
	env, err := protocol.EncodeEvent(ev)
	if err != nil {
		return
	}
	c.enqueue(env)
}

// AudienceCount returns the number of connected clients in a stream.
func (h *Hub) AudienceCount(streamID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r := h.rooms[streamID]; r != nil {
		return len(r.clients)
	}
	return 0
}
