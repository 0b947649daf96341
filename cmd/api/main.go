package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/notify/config"
	"github.com/jwalitptl/notify/internal/app"
	analyticsHandler "github.com/jwalitptl/notify/internal/handler/analytics"
	eventHandler "github.com/jwalitptl/notify/internal/handler/event"
	"github.com/jwalitptl/notify/internal/handler/health"
	notificationHandler "github.com/jwalitptl/notify/internal/handler/notification"
	preferenceHandler "github.com/jwalitptl/notify/internal/handler/preference"
	promHandler "github.com/jwalitptl/notify/internal/handler/prometheus"
	"github.com/jwalitptl/notify/internal/handler/pushtoken"
	"github.com/jwalitptl/notify/internal/handler/realtime"
	templateHandler "github.com/jwalitptl/notify/internal/handler/template"
	"github.com/jwalitptl/notify/internal/middleware"
	"github.com/jwalitptl/notify/internal/router"
	"github.com/jwalitptl/notify/pkg/auth"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	l := logger.NewLogger(cfg.Log.ToLoggerConfig())
	log.Logger = l.Zerolog()
	m := metrics.NewMetrics(prometheus.DefaultRegisterer, "notify", "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, l, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application")
	}
	a.Start(ctx)

	// The API owns the sweeper only when nothing else shares its state.
	if cfg.Store.Driver == config.StoreMemory {
		go a.Sweeper().Start(ctx)
	}

	// Initialize middleware
	jwtSvc := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpiryHours)*time.Hour)
	authMiddleware := middleware.NewAuthMiddleware(jwtSvc, a.Stores.Contacts, l)

	// Initialize handlers
	prefHandler := preferenceHandler.NewHandler(a.Preferences)
	handlers := router.Handlers{
		Public: []router.Handler{
			health.NewHandler(a.Pingers),
			promHandler.New(prometheus.DefaultGatherer),
		},
		User: []router.Handler{
			notificationHandler.NewHandler(a.Notifications, a.Bulk),
			prefHandler,
			pushtoken.NewHandler(a.Stores.PushTokens),
			eventHandler.NewHandler(a.Pipeline, a.Validator),
			realtime.NewHandler(a.Broker, realtime.Config{AllowedOrigins: cfg.CORS.AllowedOrigins}, l),
		},
		Admin: []router.Handler{
			templateHandler.NewHandler(a.Templates, a.Variants),
			analyticsHandler.NewHandler(a.Analytics),
		},
		AdminRoutes: []router.AdminHandler{prefHandler},
	}

	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.CORS.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORS.AllowedOrigins
	}

	// Setup router
	r := router.NewRouter(authMiddleware, m, handlers, router.RouterConfig{
		RateLimit:   cfg.RateLimit.Limit(),
		RateBurst:   cfg.RateLimit.Burst,
		CORSConfig:  corsConfig,
		Timeout:     cfg.Server.RequestTimeout,
		MaxBodySize: cfg.Server.MaxBodyBytes,
		Debug:       cfg.Server.Debug,
	})
	r.Setup()

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		l.Info("starting server", "port", cfg.Server.Port, "store", cfg.Store.Driver, "broker", cfg.Broker.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	l.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.ShutdownTimeout(cfg))
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error(err, "server forced to shutdown")
	}
	cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		l.Error(err, "failed to release resources")
	}

	l.Info("server exited properly")
}
