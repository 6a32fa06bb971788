package zego

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/pkg/apperr"
	"github.com/aura-live/backend/pkg/response"
)

// Roster answers who may publish media into a stream: the host and the
// seated co-broadcasters.
type Roster interface {
	CanPublish(streamID, userID uuid.UUID) (bool, error)
}

// TokenResponse is returned by GET /streams/:id/media-token.
type TokenResponse struct {
	Token   string `json:"token"`
	AppID   uint32 `json:"app_id"`
	RoomID  string `json:"room_id"`
	Publish bool   `json:"publish"`
}

// Handler issues ZEGOCLOUD room tokens for stream media.
type Handler struct {
	roster Roster
	cfg    config.ZegoConfig
	logger *zap.Logger
}

// NewHandler creates a ZEGO handler.
func NewHandler(roster Roster, cfg config.ZegoConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{roster: roster, cfg: cfg, logger: logger}
}

// GetToken handles GET /streams/:id/media-token. The host and seated guests
// get a publish token; viewers get a play-only one.
func (h *Handler) GetToken(c *gin.Context) {
	if h.cfg.AppID == 0 || h.cfg.ServerSecret == "" {
		response.ServiceUnavailable(c, "media service not configured")
		return
	}
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	publish, err := h.roster.CanPublish(streamID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	roomID := streamID.String()
	token, err := GenerateRoomToken(h.cfg.AppID, h.cfg.ServerSecret, roomID, userID.String(), publish, int64(h.cfg.TokenTTL.Seconds()))
	if err != nil {
		h.logger.Error("zego token generation failed", zap.Error(err), zap.String("stream_id", roomID))
		response.Error(c, apperr.Wrap(apperr.CodeUnknown, "failed to generate token", err))
		return
	}
	response.OK(c, TokenResponse{Token: token, AppID: h.cfg.AppID, RoomID: roomID, Publish: publish})
}
