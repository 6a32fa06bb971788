package streams

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
	"github.com/aura-live/backend/pkg/response"
)

// SessionReader reads sessions that are no longer held in memory.
type SessionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (models.Session, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.Session, error)
}

// InviteRequest is the body for POST /streams/:id/invites.
type InviteRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// SlotUpdateRequest is the body for PATCH /streams/:id/slots/:participant_id.
type SlotUpdateRequest struct {
	Muted        *bool `json:"muted"`
	VideoEnabled *bool `json:"video_enabled"`
}

// QualityRequest is the body for PUT /streams/:id/quality.
type QualityRequest struct {
	Quality models.QualityTier `json:"quality" binding:"required"`
}

// ChatRequest is the body for POST /streams/:id/chat.
type ChatRequest struct {
	Text string `json:"text"`
}

// ModerationRequest is the body for POST /streams/:id/moderation.
type ModerationRequest struct {
	Action          string    `json:"action" binding:"required,oneof=delete ban mute unban"`
	MessageID       string    `json:"message_id"`
	UserID          uuid.UUID `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	Reason          string    `json:"reason"`
	DurationSeconds int       `json:"duration_seconds"`
}

// Handler handles stream session HTTP endpoints.
type Handler struct {
	registry    *Registry
	capability  *PolledCapability
	sessions    SessionReader
	transcripts TranscriptLinker
	now         func() time.Time
	logger      *zap.Logger
}

// NewHandler creates a stream session handler.
func NewHandler(registry *Registry, capability *PolledCapability, sessions SessionReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, capability: capability, sessions: sessions, now: time.Now, logger: logger}
}

// Register mounts the stream routes on an authenticated group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/streams", h.Create)
	rg.GET("/streams", h.List)
	rg.GET("/streams/mine", h.Mine)
	rg.GET("/streams/:id", h.Get)
	rg.POST("/streams/:id/live", h.GoLive)
	rg.POST("/streams/:id/capabilities", h.ReportCapabilities)
	rg.POST("/streams/:id/pause", h.Pause)
	rg.POST("/streams/:id/resume", h.Resume)
	rg.POST("/streams/:id/end", h.End)
	rg.POST("/streams/:id/cancel", h.Cancel)
	rg.POST("/streams/:id/reconnect", h.Reconnect)
	rg.PUT("/streams/:id/quality", h.SetQuality)
	rg.GET("/streams/:id/invites", h.Invitations)
	rg.POST("/streams/:id/invites", h.Invite)
	rg.POST("/streams/:id/invites/:code/accept", h.Accept)
	rg.GET("/streams/:id/slots", h.Slots)
	rg.PATCH("/streams/:id/slots/:participant_id", h.UpdateSlot)
	rg.DELETE("/streams/:id/slots/:participant_id", h.FreeSlot)
	rg.GET("/streams/:id/chat", h.Chat)
	rg.POST("/streams/:id/chat", h.SendChat)
	rg.POST("/streams/:id/moderation", h.Moderate)
	rg.GET("/streams/:id/transcript", h.Transcript)
}

// SetTranscripts enables GET /streams/:id/transcript.
func (h *Handler) SetTranscripts(t TranscriptLinker) {
	h.transcripts = t
}

func userID(c *gin.Context) uuid.UUID {
	return c.MustGet(middleware.ContextUserID).(uuid.UUID)
}

// controller resolves :id and, when ownerOnly is set, checks the caller owns it.
// It writes the error response itself and returns nil on failure.
func (h *Handler) controller(c *gin.Context, ownerOnly bool) *Controller {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return nil
	}
	ctrl, err := h.registry.Get(id)
	if err != nil {
		response.NotFound(c, "stream not found")
		return nil
	}
	if ownerOnly && ctrl.OwnerID() != userID(c) {
		response.Forbidden(c, "only the host can do this")
		return nil
	}
	return ctrl
}

// Create handles POST /streams.
func (h *Handler) Create(c *gin.Context) {
	var cfg Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctrl, err := h.registry.Create(c.Request.Context(), userID(c), c.GetString(middleware.ContextDisplayName), cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, ctrl.Session())
}

// List handles GET /streams: public sessions on air.
func (h *Handler) List(c *gin.Context) {
	response.OK(c, h.registry.List(models.VisibilityPublic))
}

// Mine handles GET /streams/mine.
func (h *Handler) Mine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	list, err := h.sessions.ListByOwner(c.Request.Context(), userID(c), limit)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list streams")
		return
	}
	response.OK(c, list)
}

// Get handles GET /streams/:id. Private sessions are visible to their owner only.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	var s models.Session
	if ctrl, err := h.registry.Get(id); err == nil {
		s = ctrl.Session()
	} else if s, err = h.sessions.GetByID(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	if s.Visibility == models.VisibilityPrivate && s.OwnerID != userID(c) {
		response.NotFound(c, "stream not found")
		return
	}
	response.OK(c, s)
}

// GoLive handles POST /streams/:id/live. It blocks until the device reports
// capture access or the wait times out.
func (h *Handler) GoLive(c *gin.Context) {
	ctrl := h.controller(c, true)
	if ctrl == nil {
		return
	}
	if err := ctrl.RequestGoLive(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, ctrl.Session())
}

// ReportCapabilities handles POST /streams/:id/capabilities from the host's device.
func (h *Handler) ReportCapabilities(c *gin.Context) {
	ctrl := h.controller(c, true)
	if ctrl == nil {
		return
	}
	var grant CaptureGrant
	if err := c.ShouldBindJSON(&grant); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	h.capability.Report(ctrl.ID(), grant)
	response.NoContent(c)
}

// Pause handles POST /streams/:id/pause.
func (h *Handler) Pause(c *gin.Context) {
	h.transition(c, (*Controller).Pause)
}

// Resume handles POST /streams/:id/resume.
func (h *Handler) Resume(c *gin.Context) {
	h.transition(c, (*Controller).Resume)
}

// End handles POST /streams/:id/end.
func (h *Handler) End(c *gin.Context) {
	h.transition(c, (*Controller).End)
}

// Cancel handles POST /streams/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	h.transition(c, (*Controller).Cancel)
}

// Reconnect handles POST /streams/:id/reconnect.
func (h *Handler) Reconnect(c *gin.Context) {
	h.transition(c, (*Controller).Reconnect)
}

func (h *Handler) transition(c *gin.Context, fn func(*Controller, context.Context) error) {
	ctrl := h.controller(c, true)
	if ctrl == nil {
		return
	}
	if err := fn(ctrl, c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	if ctrl.Session().Status.Terminal() {
		h.capability.Forget(ctrl.ID())
	}
	response.OK(c, ctrl.Session())
}

// SetQuality handles PUT /streams/:id/quality.
func (h *Handler) SetQuality(c *gin.Context) {
	ctrl := h.controller(c, true)
	if ctrl == nil {
		return
	}
	var req QualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := ctrl.SetQuality(c.Request.Context(), req.Quality); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, ctrl.Session())
}

// Invitations handles GET /streams/:id/invites.
func (h *Handler) Invitations(c *gin.Context) {
	ctrl := h.controller(c, true)
	if ctrl == nil {
		return
	}
	response.OK(c, ctrl.Invitations())
}

// Invite handles POST /streams/:id/invites.
func (h *Handler) Invite(c *gin.Context) {
	ctrl := h.controller(c, false)
	if ctrl == nil {
		return
	}
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	inv, err := ctrl.Invite(c.Request.Context(), userID(c), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, inv)
}

// Accept handles POST /streams/:id/invites/:code/accept.
func (h *Handler) Accept(c *gin.Context) {
	ctrl := h.controller(c, false)
	if ctrl == nil {
		return
	}
	slot, err := ctrl.Accept(c.Request.Context(), c.Param("code"), userID(c), c.GetString(middleware.ContextDisplayName))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, slot)
}

// Slots handles GET /streams/:id/slots.
func (h *Handler) Slots(c *gin.Context) {
	ctrl := h.controller(c, false)
	if ctrl == nil {
		return
	}
	response.OK(c, ctrl.Slots())
}

// UpdateSlot handles PATCH /streams/:id/slots/:participant_id.
func (h *Handler) UpdateSlot(c *gin.Context) {
	ctrl := h.controller(c, false)
	if ctrl == nil {
		return
	}
	participantID, err := uuid.Parse(c.Param("participant_id"))
	if err != nil {
		response.BadRequest(c, "invalid participant id")
		return
	}
	var req SlotUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := ctrl.SetGuestMedia(c.Request.Context(), userID(c), participantID, req.Muted, req.VideoEnabled); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, ctrl.Slots())
}

// FreeSlot handles DELETE /streams/:id/slots/:participant_id. A guest leaving
// frees their own seat; the host removing a guest frees theirs.
func (h *Handler) FreeSlot(c *gin.Context) {
	ctrl := h.controller(c, false)
	if ctrl == nil {
		return
	}
	participantID, err := uuid.Parse(c.Param("participant_id"))
	if err != nil {
		response.BadRequest(c, "invalid participant id")
		return
	}
	caller := userID(c)
	if caller == participantID {
		err = ctrl.Leave(c.Request.Context(), caller)
	} else {
		err = ctrl.Remove(c.Request.Context(), caller, participantID)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// Chat handles GET /streams/:id/chat?kind=text&include_system=1.
func (h *Handler) Chat(c *gin.Context) {
	ctrl := h.controller(c, true)
	if ctrl == nil {
		return
	}
	var kind *models.MessageKind
	if k := c.Query("kind"); k != "" {
		mk := models.MessageKind(k)
		kind = &mk
	}
	response.OK(c, ctrl.Chat(kind, c.Query("include_system") == "1"))
}

// SendChat handles POST /streams/:id/chat.
func (h *Handler) SendChat(c *gin.Context) {
	ctrl := h.controller(c, true)
	if ctrl == nil {
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	msg, err := ctrl.SendChat(c.Request.Context(), userID(c), req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msg.ID == "" {
		// A chat command ran locally.
		response.NoContent(c)
		return
	}
	response.Created(c, msg)
}

// Moderate handles POST /streams/:id/moderation.
func (h *Handler) Moderate(c *gin.Context) {
	ctrl := h.controller(c, true)
	if ctrl == nil {
		return
	}
	var req ModerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	action, err := req.action(h.now())
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := ctrl.Moderate(c.Request.Context(), userID(c), action); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// Transcript handles GET /streams/:id/transcript: a download link for the
// archived chat of an ended session, for its owner only.
func (h *Handler) Transcript(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	if h.transcripts == nil {
		response.NotFound(c, "transcripts are not archived")
		return
	}
	url, err := h.transcripts.TranscriptURL(c.Request.Context(), id, userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"url": url})
}

func (r ModerationRequest) action(now time.Time) (chat.Action, error) {
	if r.Action != "delete" && r.UserID == uuid.Nil {
		return nil, apperr.New(apperr.CodeInvalidConfig, "user_id is required")
	}
	switch r.Action {
	case "delete":
		if r.MessageID == "" {
			return nil, apperr.New(apperr.CodeInvalidConfig, "message_id is required")
		}
		return chat.DeleteMessage{MessageID: r.MessageID}, nil
	case "ban":
		return chat.BanUser{UserID: r.UserID, DisplayName: r.DisplayName, Reason: r.Reason}, nil
	case "mute":
		if r.DurationSeconds <= 0 {
			return nil, apperr.New(apperr.CodeInvalidConfig, "duration_seconds must be positive")
		}
		return chat.MuteUser{UserID: r.UserID, Until: now.Add(time.Duration(r.DurationSeconds) * time.Second)}, nil
	case "unban":
		return chat.UnbanUser{UserID: r.UserID}, nil
	}
	return nil, apperr.ErrUnknownCommand
}

// fail writes err, logging anything that is not a domain error.
func (h *Handler) fail(c *gin.Context, err error) {
	if apperr.CodeOf(err) == apperr.CodeUnknown {
		h.logger.Error("stream request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err)
}
