package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notify/internal/handler/health"
	promhandler "github.com/jwalitptl/notify/internal/handler/prometheus"
	"github.com/jwalitptl/notify/internal/middleware"
	"github.com/jwalitptl/notify/pkg/auth"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
)

type pingRoute struct{}

func (pingRoute) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
}

type adminRoute struct{}

func (adminRoute) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/secret", func(c *gin.Context) { c.Status(http.StatusOK) })
}

func TestRouterAccessLevels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "notify", "test")
	jwt := auth.NewJWTService("secret", "", time.Hour)

	r := NewRouter(
		middleware.NewAuthMiddleware(jwt, nil, logger.Nop()),
		m,
		Handlers{
			Public: []Handler{health.NewHandler(nil), promhandler.New(reg)},
			User:   []Handler{pingRoute{}},
			Admin:  []Handler{adminRoute{}},
		},
		RouterConfig{RateLimit: rate.Inf, RateBurst: 1, CORSConfig: middleware.DefaultCORSConfig()},
	)
	r.Setup()
	gin.SetMode(gin.TestMode)

	call := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.Engine().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("/health/live", "").Code)
	assert.Equal(t, http.StatusOK, call("/health/ready", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call("/api/v1/ping", "").Code)

	member, err := jwt.GenerateAccessToken("u1", "")
	require.NoError(t, err)
	w := call("/api/v1/ping", member)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0", w.Header().Get("X-API-Version"))
	assert.Equal(t, http.StatusForbidden, call("/api/v1/secret", member).Code)

	admin, err := jwt.GenerateAccessToken("u2", "", middleware.RoleWorkspaceAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call("/api/v1/secret", admin).Code)

	metricsBody := call("/metrics", "").Body.String()
	assert.Contains(t, metricsBody, "notify_test_http_requests_total")
}
