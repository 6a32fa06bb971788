package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
	"github.com/aura-live/backend/pkg/response"
	"github.com/aura-live/backend/pkg/utils"
)

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"required,max=40"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token   string               `json:"token"`
	Account models.AccountPublic `json:"account"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   *Repository
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo *Repository, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, jwt: jwt, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		response.BadRequest(c, "display_name is required")
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if errors.Is(err, utils.ErrPasswordTooLong) {
		response.BadRequest(c, "password is too long")
		return
	}
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}
	account, err := h.repo.Create(c.Request.Context(), req.Email, hash, name)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			response.Conflict(c, "email already registered")
			return
		}
		h.logger.Error("create account failed", zap.Error(err))
		response.Internal(c, "failed to create account")
		return
	}

	token, err := h.jwt.Generate(account.ID, account.DisplayName)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.Created(c, TokenResponse{Token: token, Account: account.ToPublic()})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	account, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			h.logger.Error("load account failed", zap.Error(err))
		}
		response.Unauthorized(c, "invalid email or password")
		return
	}
	if !utils.CheckPassword(req.Password, account.PasswordHash) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.jwt.Generate(account.ID, account.DisplayName)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, TokenResponse{Token: token, Account: account.ToPublic()})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	userID := c.MustGet(ContextUserID).(uuid.UUID)
	account, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	stats, err := h.repo.Stats(c.Request.Context(), userID)
	if err != nil {
		h.logger.Warn("load account stats failed", zap.Error(err))
	}
	response.OK(c, gin.H{"account": account.ToPublic(), "stats": stats})
}

// Follow handles POST /accounts/:id/follow.
func (h *Handler) Follow(c *gin.Context) {
	h.setFollow(c, true)
}

// Unfollow handles DELETE /accounts/:id/follow.
func (h *Handler) Unfollow(c *gin.Context) {
	h.setFollow(c, false)
}

func (h *Handler) setFollow(c *gin.Context, follow bool) {
	followee, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid account id")
		return
	}
	userID := c.MustGet(ContextUserID).(uuid.UUID)
	if followee == userID {
		response.BadRequest(c, "cannot follow yourself")
		return
	}
	if follow {
		err = h.repo.Follow(c.Request.Context(), userID, followee)
	} else {
		err = h.repo.Unfollow(c.Request.Context(), userID, followee)
	}
	if err != nil {
		h.logger.Error("update follow failed", zap.Error(err))
		response.Internal(c, "failed to update follow")
		return
	}
	response.NoContent(c)
}
