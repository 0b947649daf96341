package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notify/internal/middleware"
	"github.com/jwalitptl/notify/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// AdminHandler exposes routes restricted to workspace administrators.
type AdminHandler interface {
	RegisterAdminRoutes(*gin.RouterGroup)
}

type Router struct {
	engine  *gin.Engine
	auth    *middleware.AuthMiddleware
	limiter *middleware.RateLimiter
	config  RouterConfig

	public   []Handler
	user     []Handler
	admin    []Handler
	adminExt []AdminHandler
}

type RouterConfig struct {
	RateLimit   rate.Limit
	RateBurst   int
	CORSConfig  middleware.CORSConfig
	Timeout     time.Duration
	MaxBodySize int64
	Debug       bool
}

// Handlers groups route registrars by the access they require.
type Handlers struct {
	// Public routes skip authentication.
	Public []Handler
	// User routes require a valid token.
	User []Handler
	// Admin routes additionally require the workspace admin role.
	Admin []Handler
	// AdminRoutes lets a user handler contribute admin-only routes.
	AdminRoutes []AdminHandler
}

func NewRouter(auth *middleware.AuthMiddleware, m *metrics.Metrics, handlers Handlers, config RouterConfig) *Router {
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.Timeout <= 0 {
		config.Timeout = middleware.DefaultTimeoutConfig().Duration
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = middleware.DefaultSizeLimitConfig().MaxBodySize
	}

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
		middleware.Metrics(m),
		middleware.CORS(config.CORSConfig),
	)

	return &Router{
		engine: engine,
		auth:   auth,
		limiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		}),
		config:   config,
		public:   handlers.Public,
		user:     handlers.User,
		admin:    handlers.Admin,
		adminExt: handlers.AdminRoutes,
	}
}

func (r *Router) Setup() {
	for _, h := range r.public {
		h.RegisterRoutes(r.engine.Group(""))
	}

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})
	api.Use(
		middleware.Timeout(middleware.TimeoutConfig{
			Duration:     r.config.Timeout,
			SkipPrefixes: []string{"/api/v1/ws"},
		}),
		middleware.SizeLimit(middleware.SizeLimitConfig{MaxBodySize: r.config.MaxBodySize}),
		r.auth.Authenticate(),
		r.limiter.RateLimit(),
	)
	for _, h := range r.user {
		h.RegisterRoutes(api)
	}

	admin := api.Group("")
	admin.Use(r.auth.RequireRole(middleware.RoleWorkspaceAdmin))
	for _, h := range r.admin {
		h.RegisterRoutes(admin)
	}
	for _, h := range r.adminExt {
		h.RegisterAdminRoutes(admin)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
