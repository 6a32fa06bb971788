package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/protocol"
	"github.com/aura-live/backend/pkg/apperr"
)

const (
	sendBuffer   = 256
	readLimit    = 16 * 1024
	writeTimeout = 10 * time.Second
	commandWait  = 5 * time.Second
)

// Client represents a single WebSocket connection to a stream. Anonymous
// viewers have no UserID and can only watch.
type Client struct {
	ID          string
	StreamID    uuid.UUID
	UserID      *uuid.UUID
	DisplayName string
	JoinedAt    time.Time

	hub    *Hub
	relay  *Relay
	conn   *websocket.Conn
	send   chan protocol.Envelope
	done   chan struct{}
	logger *zap.Logger
}

// Sender identifies who issued a command.
func (c *Client) Sender() Sender {
	return Sender{UserID: c.UserID, DisplayName: c.DisplayName}
}

// enqueue hands env to the write pump, dropping it if the buffer is full.
func (c *Client) enqueue(env protocol.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		c.logger.Debug("client send buffer full, dropping event", zap.String("client_id", c.ID), zap.String("event", env.Event))
	}
}

// ServeWs handles GET /ws?stream_id=...; authentication is optional and
// taken from the context set by middleware.OptionalJWT.
func ServeWs(hub *Hub, relay *Relay, allowedOrigins map[string]bool, logger *zap.Logger) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(allowedOrigins) == 0 || allowedOrigins["*"] || allowedOrigins[origin]
		},
	}
	return func(c *gin.Context) {
		streamID, err := uuid.Parse(c.Query("stream_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "valid stream_id required"})
			return
		}
		if !relay.IsOpen(streamID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			StreamID: streamID,
			JoinedAt: time.Now(),
			hub:      hub,
			relay:    relay,
			send:     make(chan protocol.Envelope, sendBuffer),
			done:     make(chan struct{}),
			logger:   logger,
		}
		if v, ok := c.Get(middleware.ContextUserID); ok {
			if id, ok := v.(uuid.UUID); ok {
				client.UserID = &id
				client.DisplayName = c.GetString(middleware.ContextDisplayName)
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client.conn = conn
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.relay.Leave(c)
		c.hub.Unregister(c)
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.handle(env)
	}
}

// handle decodes one frame and runs it. Failures go back to this connection only.
func (c *Client) handle(env protocol.Envelope) {
	cmd, err := protocol.DecodeCommand(env)
	if err != nil {
		c.hub.SendToClient(c, protocol.ErrorFor(err, ""))
		return
	}
	correlation := ""
	if m, ok := cmd.(protocol.SendMessage); ok {
		correlation = m.ClientMessageID
	}
	if cmd.Stream() != c.StreamID {
		c.hub.SendToClient(c, protocol.ErrorFor(apperr.New(apperr.CodeForbidden, "connection is bound to another stream"), correlation))
		return
	}

	switch cmd.(type) {
	case protocol.JoinStream:
		err = c.relay.Join(c)
	case protocol.LeaveStream:
		c.relay.Leave(c)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), commandWait)
		err = c.relay.Handle(ctx, c.StreamID, c.Sender(), cmd)
		cancel()
	}
	if err != nil {
		c.hub.SendToClient(c, protocol.ErrorFor(err, correlation))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
