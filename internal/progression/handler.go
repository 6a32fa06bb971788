package progression

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/pkg/response"
)

// Handler serves progression state over HTTP.
type Handler struct {
	registry *Registry
	catalog  *Catalog
}

// NewHandler creates a progression handler.
func NewHandler(registry *Registry, catalog *Catalog) *Handler {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Handler{registry: registry, catalog: catalog}
}

// Me handles GET /progression/me.
func (h *Handler) Me(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	p := h.registry.Engine(c.Request.Context(), userID).Snapshot()
	response.OK(c, gin.H{
		"progression":   p,
		"level_floor":   XPFloor(p.Level),
		"next_level_at": XPFloor(p.Level + 1),
	})
}

// Catalog handles GET /progression/catalog.
func (h *Handler) Catalog(c *gin.Context) {
	response.OK(c, gin.H{"perks": h.catalog.Perks, "badges": h.catalog.Badges})
}
