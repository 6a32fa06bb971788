package streams

import (
	"strings"
	"unicode/utf8"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

const maxTitleLength = 140

// Config is what a broadcaster chooses when creating a session.
type Config struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Category    models.Category    `json:"category"`
	Visibility  models.Visibility  `json:"visibility"`
	Quality     models.QualityTier `json:"quality"`
	Capacity    int                `json:"capacity"`
}

// Normalize trims text fields and fills optional ones with defaults.
func (c Config) Normalize() Config {
	c.Title = strings.TrimSpace(c.Title)
	c.Description = strings.TrimSpace(c.Description)
	if c.Visibility == "" {
		c.Visibility = models.VisibilityPublic
	}
	if c.Quality == "" {
		c.Quality = models.QualityHigh
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Title == "":
		return apperr.New(apperr.CodeInvalidConfig, "title is required")
	case utf8.RuneCountInString(c.Title) > maxTitleLength:
		return apperr.New(apperr.CodeInvalidConfig, "title is too long")
	case !c.Category.Valid():
		return apperr.New(apperr.CodeInvalidConfig, "unknown category")
	case !c.Visibility.Valid():
		return apperr.New(apperr.CodeInvalidConfig, "visibility must be public or private")
	case !c.Quality.Valid():
		return apperr.New(apperr.CodeInvalidConfig, "unknown quality tier")
	case c.Capacity < models.MinCapacity || c.Capacity > models.MaxCapacity:
		return apperr.New(apperr.CodeInvalidConfig, "capacity must be between 1 and 4")
	}
	return nil
}
