package event

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify/internal/handler"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/pkg/validator"
)

type fakeIntake struct {
	full      bool
	emitted   []*model.NotificationEvent
	cancelled []string
}

func (f *fakeIntake) Emit(ev *model.NotificationEvent) bool {
	if f.full {
		return false
	}
	f.emitted = append(f.emitted, ev)
	return true
}

func (f *fakeIntake) CancelEntity(_ context.Context, entityType, entityID string) (int, error) {
	f.cancelled = append(f.cancelled, entityType+"/"+entityID)
	return 2, nil
}

func setupRouter(intake *fakeIntake) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Set(handler.ContextUserID, "actor")
		c.Next()
	})
	NewHandler(intake, validator.New()).RegisterRoutes(api)
	return r
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestEmitEventAccepted(t *testing.T) {
	intake := &fakeIntake{}
	r := setupRouter(intake)

	w := post(r, `{"id":"e1","type":"comment","target_user_id":"u1","entity_type":"task","entity_id":"t1",
		"metadata":{"task_title":"Launch","excerpt":"looks good"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, intake.emitted, 1)
	assert.Equal(t, "actor", intake.emitted[0].ActorID)
	assert.Equal(t, "u1", intake.emitted[0].TargetUserID)
}

func TestEmitEventRejectsInvalid(t *testing.T) {
	intake := &fakeIntake{}
	r := setupRouter(intake)

	assert.Equal(t, http.StatusBadRequest, post(r, `{"type":"comment"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, `{"type":"carrier_pigeon","target_user_id":"u1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, `not json`).Code)
	assert.Empty(t, intake.emitted)
}

func TestEmitEventQueueFull(t *testing.T) {
	r := setupRouter(&fakeIntake{full: true})
	w := post(r, `{"type":"task","target_user_id":"u1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCancelEntity(t *testing.T) {
	intake := &fakeIntake{}
	r := setupRouter(intake)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/entities/task/t1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"task/t1"}, intake.cancelled)
	assert.Contains(t, w.Body.String(), `"cancelled":2`)
}
