package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/apperr"
)

type emptySessions struct{}

func (emptySessions) GetByID(context.Context, uuid.UUID) (models.Session, error) {
	return models.Session{}, apperr.ErrNotFound
}

func (emptySessions) ListByOwner(context.Context, uuid.UUID, int) ([]models.Session, error) {
	return nil, nil
}

type sessionBody struct {
	Success bool           `json:"success"`
	Data    models.Session `json:"data"`
	Code    apperr.Code    `json:"code"`
}

type api struct {
	t      *testing.T
	router *gin.Engine
}

func newAPI(t *testing.T, f *fixture, capability *PolledCapability) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	rg := r.Group("/api/v1", func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader("X-Test-User"))
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set(middleware.ContextUserID, id)
		c.Set(middleware.ContextDisplayName, "tester")
		c.Next()
	})
	NewHandler(f.registry, capability, emptySessions{}, nil).Register(rg)
	return &api{t: t, router: r}
}

func (a *api) do(method, path string, user uuid.UUID, body any) (int, sessionBody) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user.String())
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var out sessionBody
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func TestHandlerSessionFlow(t *testing.T) {
	f := newFixture(t)
	capability := NewPolledCapability(5*time.Millisecond, time.Second)
	f.registry.deps.Capability = capability
	a := newAPI(t, f, capability)

	status, created := a.do(http.MethodPost, "/streams", f.ownerID, Config{
		Title: "Morning coffee", Category: models.CategoryTalk, Capacity: 2,
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, models.StatusScheduled, created.Data.Status)
	path := "/streams/" + created.Data.ID.String()

	status, body := a.do(http.MethodPost, "/streams", f.ownerID, Config{
		Title: "second", Category: models.CategoryTalk, Capacity: 1,
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, apperr.CodeInvalidTransition, body.Code)

	status, _ = a.do(http.MethodPost, path+"/live", uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = a.do(http.MethodPost, path+"/capabilities", f.ownerID, CaptureGrant{Camera: true, Microphone: false})
	require.Equal(t, http.StatusNoContent, status)
	status, body = a.do(http.MethodPost, path+"/live", f.ownerID, nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, apperr.CodePermissionDenied, body.Code)

	status, _ = a.do(http.MethodPost, path+"/capabilities", f.ownerID, CaptureGrant{Camera: true, Microphone: true})
	require.Equal(t, http.StatusNoContent, status)
	status, body = a.do(http.MethodPost, path+"/live", f.ownerID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.StatusLive, body.Data.Status)

	status, body = a.do(http.MethodPut, path+"/quality", f.ownerID, QualityRequest{Quality: models.QualityLow})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.QualityLow, body.Data.Quality)

	status, _ = a.do(http.MethodGet, path, uuid.New(), nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = a.do(http.MethodPost, path+"/end", f.ownerID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.StatusEnded, body.Data.Status)

	status, body = a.do(http.MethodPost, path+"/end", f.ownerID, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, apperr.CodeInvalidTransition, body.Code)
}

func TestHandlerHidesPrivateSessions(t *testing.T) {
	f := newFixture(t)
	a := newAPI(t, f, NewPolledCapability(0, 0))

	status, created := a.do(http.MethodPost, "/streams", f.ownerID, Config{
		Title: "rehearsal", Category: models.CategoryMusic, Capacity: 1, Visibility: models.VisibilityPrivate,
	})
	require.Equal(t, http.StatusCreated, status)
	path := "/streams/" + created.Data.ID.String()

	status, _ = a.do(http.MethodGet, path, uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = a.do(http.MethodGet, path, f.ownerID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = a.do(http.MethodGet, "/streams/"+uuid.NewString(), f.ownerID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = a.do(http.MethodGet, "/streams/not-a-uuid", f.ownerID, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandlerChatAndModeration(t *testing.T) {
	f := newFixture(t)
	a := newAPI(t, f, NewPolledCapability(0, 0))
	c := f.live(t, 1)
	path := "/streams/" + c.ID().String()

	status, _ := a.do(http.MethodPost, path+"/chat", f.ownerID, ChatRequest{Text: "welcome"})
	assert.Equal(t, http.StatusCreated, status)
	status, _ = a.do(http.MethodPost, path+"/chat", f.ownerID, ChatRequest{Text: "/slow 5"})
	assert.Equal(t, http.StatusNoContent, status)
	status, body := a.do(http.MethodPost, path+"/chat", f.ownerID, ChatRequest{Text: "/dance"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeUnknownCommand, body.Code)

	status, _ = a.do(http.MethodPost, path+"/moderation", f.ownerID, ModerationRequest{Action: "mute", UserID: uuid.New()})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = a.do(http.MethodPost, path+"/moderation", f.ownerID, ModerationRequest{Action: "ban", UserID: uuid.New(), Reason: "spam"})
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = a.do(http.MethodPost, path+"/moderation", uuid.New(), ModerationRequest{Action: "ban", UserID: f.ownerID})
	assert.Equal(t, http.StatusForbidden, status)
}

type fakeKeys map[uuid.UUID]string

func (k fakeKeys) TranscriptKey(_ context.Context, sessionID, _ uuid.UUID) (string, error) {
	key, ok := k[sessionID]
	if !ok {
		return "", apperr.ErrNotFound
	}
	return key, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignTranscript(_ context.Context, key string) (string, error) {
	return "https://archive.example/" + key + "?sig=x", nil
}

func TestHandlerTranscript(t *testing.T) {
	f := newFixture(t)
	gin.SetMode(gin.TestMode)
	archived := uuid.New()

	serve := func(h *Handler, id string) *httptest.ResponseRecorder {
		r := gin.New()
		rg := r.Group("", func(c *gin.Context) {
			c.Set(middleware.ContextUserID, f.ownerID)
			c.Next()
		})
		h.Register(rg)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/streams/"+id+"/transcript", nil))
		return w
	}

	h := NewHandler(f.registry, nil, emptySessions{}, nil)
	assert.Equal(t, http.StatusNotFound, serve(h, archived.String()).Code)

	h.SetTranscripts(NewTranscripts(fakeKeys{archived: "transcripts/a/2026/10/b.json"}, fakePresigner{}))
	w := serve(h, archived.String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://archive.example/transcripts/a/2026/10/b.json?sig=x")

	assert.Equal(t, http.StatusNotFound, serve(h, uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, "nope").Code)
}
