package preference

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
	"github.com/jwalitptl/notify/internal/repository/memory"
	preferenceService "github.com/jwalitptl/notify/internal/service/preference"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/validator"
)

func setupRouter() (*gin.Engine, preferenceService.Service) {
	gin.SetMode(gin.TestMode)
	svc := preferenceService.NewService(memory.NewPreferenceRepository(), validator.New(), logger.Nop())
	h := NewHandler(svc)

	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Set(handler.ContextUserID, "u1")
		c.Next()
	})
	h.RegisterRoutes(api)
	h.RegisterAdminRoutes(api)
	return r, svc
}

func send(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUpdateAndListPreferences(t *testing.T) {
	r, svc := setupRouter()

	w := send(r, http.MethodPut, "/api/v1/preferences",
		`{"preferences":[{"channel":"email","type":"comment","enabled":false}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	allowed, err := svc.IsAllowed(context.Background(), "u1", "", model.ChannelEmail, model.EventTypeComment)
	require.NoError(t, err)
	assert.False(t, allowed)

	w = send(r, http.MethodGet, "/api/v1/preferences", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"channel":"email"`)
	assert.Contains(t, w.Body.String(), `"frequency":"immediate"`)
}

func TestUpdatePreferencesRejectsUnknownChannel(t *testing.T) {
	r, _ := setupRouter()

	w := send(r, http.MethodPut, "/api/v1/preferences",
		`{"preferences":[{"channel":"fax","type":"comment","enabled":true}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPut, "/api/v1/preferences", `{"preferences":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetWorkspacePolicy(t *testing.T) {
	r, svc := setupRouter()

	w := send(r, http.MethodPut, "/api/v1/workspaces/ws1/policies",
		`{"type":"task","disabled_channels":["push"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	allowed, err := svc.IsAllowed(context.Background(), "u1", "ws1", model.ChannelPush, model.EventTypeTask)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = svc.IsAllowed(context.Background(), "u1", "ws1", model.ChannelInApp, model.EventTypeTask)
	require.NoError(t, err)
	assert.True(t, allowed)

	w = send(r, http.MethodPut, "/api/v1/workspaces/ws1/policies",
		`{"type":"task","disabled_channels":["pigeon"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
