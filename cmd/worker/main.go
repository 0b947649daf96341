package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/notify/config"
	"github.com/jwalitptl/notify/internal/app"
	"github.com/jwalitptl/notify/internal/handler/health"
	promHandler "github.com/jwalitptl/notify/internal/handler/prometheus"
	"github.com/jwalitptl/notify/internal/middleware"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
)

// setupHealthCheck serves probes and metrics on the health port.
func setupHealthCheck(cfg *config.Config, a *app.App, l *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery())
	root := engine.Group("")
	health.NewHandler(a.Pingers).RegisterRoutes(root)
	promHandler.New(prometheus.DefaultGatherer).RegisterRoutes(root)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal(err, "health check server failed")
		}
	}()
	return srv
}

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize logger
	l := logger.NewLogger(cfg.Log.ToLoggerConfig()).WithFields(map[string]interface{}{"component": "worker"})
	log.Logger = l.Zerolog()
	m := metrics.NewMetrics(prometheus.DefaultRegisterer, "notify", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, l, m)
	if err != nil {
		l.Fatal(err, "failed to initialize application")
	}
	a.Start(ctx)

	if cfg.Intake.Subscribe {
		if err := a.Intake().Start(ctx); err != nil {
			l.Fatal(err, "failed to subscribe to domain events")
		}
	}

	healthSrv := setupHealthCheck(cfg, a, l)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		l.Info("shutting down...")
		cancel()
	}()

	l.Info("worker started", "store", cfg.Store.Driver, "broker", cfg.Broker.Driver, "subscribe", cfg.Intake.Subscribe)
	a.Sweeper().Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.ShutdownTimeout(cfg))
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		l.Error(err, "failed to release resources")
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		l.Error(err, "health server forced to shutdown")
	}
	l.Info("worker exited properly")
}
