// Package app assembles the pipeline from configuration. Both binaries build
// the same graph and differ only in which loops they run.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/notify/config"
	"github.com/jwalitptl/notify/internal/channel"
	"github.com/jwalitptl/notify/internal/channel/email"
	"github.com/jwalitptl/notify/internal/channel/inapp"
	"github.com/jwalitptl/notify/internal/channel/push"
	"github.com/jwalitptl/notify/internal/handler/health"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/internal/repository/memory"
	"github.com/jwalitptl/notify/internal/repository/postgres"
	redisrepo "github.com/jwalitptl/notify/internal/repository/redis"
	"github.com/jwalitptl/notify/internal/service/abtest"
	"github.com/jwalitptl/notify/internal/service/analytics"
	"github.com/jwalitptl/notify/internal/service/batching"
	"github.com/jwalitptl/notify/internal/service/bulk"
	"github.com/jwalitptl/notify/internal/service/dispatch"
	"github.com/jwalitptl/notify/internal/service/notification"
	"github.com/jwalitptl/notify/internal/service/pipeline"
	"github.com/jwalitptl/notify/internal/service/preference"
	"github.com/jwalitptl/notify/internal/service/scheduler"
	"github.com/jwalitptl/notify/internal/service/template"
	"github.com/jwalitptl/notify/internal/worker"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/messaging"
	messagingmemory "github.com/jwalitptl/notify/pkg/messaging/memory"
	"github.com/jwalitptl/notify/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/notify/pkg/messaging/redis"
	"github.com/jwalitptl/notify/pkg/metrics"
	"github.com/jwalitptl/notify/pkg/validator"
)

// Stores is the persistence the services run on.
type Stores struct {
	Notifications repository.NotificationRepository
	Preferences   repository.PreferenceRepository
	Templates     repository.TemplateRepository
	Tests         repository.ABTestRepository
	Digests       repository.DigestRepository
	Batches       repository.BatchRepository
	PushTokens    repository.PushTokenRepository
	Contacts      repository.ContactRepository
	BulkActions   repository.BulkActionRepository
	Analytics     repository.AnalyticsRepository
}

type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Validator validator.Validator
	Stores    Stores
	Broker    messaging.Broker

	Preferences   preference.Service
	Templates     template.Service
	Variants      abtest.Service
	Analytics     analytics.Service
	Scheduler     scheduler.Service
	Batching      batching.Engine
	Dispatcher    *dispatch.Dispatcher
	Pipeline      *pipeline.Pipeline
	Notifications notification.Service
	Bulk          bulk.Service

	// Pingers are the dependencies readiness depends on.
	Pingers map[string]health.Pinger

	closers []func() error
}

// New connects to every configured backend and wires the services. Close
// releases what New opened, also when New fails part way.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (a *App, err error) {
	a = &App{
		Config:    cfg,
		Logger:    log,
		Metrics:   m,
		Validator: validator.New(),
		Pingers:   map[string]health.Pinger{},
	}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.openBroker(ctx); err != nil {
		return nil, err
	}
	a.wire()
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := postgres.NewDB(cfg.Database.ToPostgresConfig())
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.Pingers["postgres"] = db
		if cfg.Database.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}

		pool, err := postgres.NewPool(ctx, cfg.Database.ToPostgresConfig())
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Stores = postgresStores(db, pool)
	default:
		a.Stores = memoryStores()
	}

	if cfg.Batching.Store == config.StoreRedis {
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.Stores.Batches = redisrepo.NewBatchRepository(client, cfg.ToBatchStoreConfig())
	}
	return nil
}

func postgresStores(db *sqlx.DB, pool *pgxpool.Pool) Stores {
	base := postgres.NewBaseRepository(db)
	return Stores{
		Notifications: postgres.NewNotificationRepository(base),
		Preferences:   postgres.NewPreferenceRepository(base),
		Templates:     postgres.NewTemplateRepository(base),
		Tests:         postgres.NewABTestRepository(base),
		Digests:       postgres.NewDigestRepository(base),
		Batches:       memory.NewBatchRepository(),
		PushTokens:    postgres.NewPushTokenRepository(base),
		Contacts:      postgres.NewContactRepository(base),
		BulkActions:   postgres.NewBulkActionRepository(base),
		Analytics:     postgres.NewAnalyticsRepository(pool),
	}
}

func memoryStores() Stores {
	return Stores{
		Notifications: memory.NewNotificationRepository(),
		Preferences:   memory.NewPreferenceRepository(),
		Templates:     memory.NewTemplateRepository(),
		Tests:         memory.NewABTestRepository(),
		Digests:       memory.NewDigestRepository(),
		Batches:       memory.NewBatchRepository(),
		PushTokens:    memory.NewPushTokenRepository(),
		Contacts:      memory.NewContactRepository(),
		BulkActions:   memory.NewBulkActionRepository(),
		Analytics:     memory.NewAnalyticsRepository(),
	}
}

// redisClient opens the shared client once.
func (a *App) redisClient(ctx context.Context) (*goredis.Client, error) {
	if p, ok := a.Pingers["redis"]; ok {
		return p.(*redisPinger).client, nil
	}
	client, err := redis.NewClient(ctx, a.Config.Redis.ToBrokerConfig())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.Pingers["redis"] = &redisPinger{client: client}
	return client, nil
}

type redisPinger struct {
	client *goredis.Client
}

func (p *redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (a *App) openBroker(ctx context.Context) error {
	zl := a.Logger.Zerolog()
	switch a.Config.Broker.Driver {
	case config.BrokerRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.Broker = redis.NewRedisBrokerFromClient(client, zl)
	case config.BrokerRabbitMQ:
		b, err := rabbitmq.NewBroker(a.Config.RabbitMQ.ToBrokerConfig(), zl)
		if err != nil {
			return err
		}
		a.Broker = b
	default:
		a.Broker = messagingmemory.NewBroker()
	}
	a.closers = append(a.closers, a.Broker.Close)
	return nil
}

func (a *App) wire() {
	cfg, log, m, v, s := a.Config, a.Logger, a.Metrics, a.Validator, a.Stores

	a.Preferences = preference.NewService(s.Preferences, v, log)
	a.Templates = template.NewService(s.Templates, s.Tests, v, cfg.Templates.ToTemplateConfig())
	a.Variants = abtest.NewService(s.Tests, s.Templates, log)
	a.Analytics = analytics.NewService(s.Analytics, s.Tests, s.Templates, cfg.Analytics.ToAnalyticsConfig(), log, m)
	a.Scheduler = scheduler.NewService(s.Notifications, s.Digests, a.Analytics, cfg.Scheduler.ToSchedulerConfig(), log, m)
	a.Batching = batching.NewEngine(s.Batches, cfg.Batching.ToEngineConfig(), log, m)

	senders := []channel.Sender{inapp.NewSender(a.Broker)}
	if cfg.Email.Enabled {
		senders = append(senders, email.NewSender(cfg.Email.ToSenderConfig(), s.Contacts))
	}
	if cfg.Push.Enabled {
		senders = append(senders, push.NewSender(cfg.Push.ToSenderConfig(), s.PushTokens))
	}
	a.Dispatcher = dispatch.NewDispatcher(
		a.Preferences,
		channel.NewRegistry(senders...),
		s.Notifications,
		dispatch.NewTokenCleaner(s.PushTokens),
		a.Analytics,
		cfg.Dispatch.ToDispatchConfig(),
		log,
		m,
	)
	a.Dispatcher.AddObserver(dispatch.NewBrokerObserver(a.Broker))

	a.Pipeline = pipeline.New(
		a.Preferences,
		a.Batching,
		a.Templates,
		a.Variants,
		a.Scheduler,
		a.Dispatcher,
		s.Digests,
		v,
		cfg.ToPipelineConfig(),
		log,
		m,
	)
	a.Notifications = notification.NewService(s.Notifications, a.Analytics, a.Broker, log)
	a.Bulk = bulk.NewService(s.Notifications, s.BulkActions, v, log)
}

// Sweeper builds the time-driven worker over this app's services.
func (a *App) Sweeper() *worker.Sweeper {
	return worker.NewSweeper(
		a.Scheduler,
		a.Pipeline,
		a.Batching,
		a.Config.ToWorkerConfig(),
		a.Logger,
		a.Metrics,
	)
}

// Intake builds the broker consumer for domain events.
func (a *App) Intake() *worker.Intake {
	return worker.NewIntake(a.Broker, a.Pipeline, a.Config.Intake.ProcessTimeout, a.Logger)
}

// Start launches the background loops every process needs: the analytics
// writer and the intake queue workers.
func (a *App) Start(ctx context.Context) {
	a.Analytics.Start(ctx)
	a.Pipeline.Start(ctx)
}

// Shutdown drains queued work before the connections are closed.
func (a *App) Shutdown(ctx context.Context) error {
	a.Pipeline.Close(ctx)
	a.Batching.Stop()
	var errs []error
	if err := a.Analytics.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("analytics: %w", err))
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ShutdownTimeout falls back to a sane bound when unset.
func ShutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 20 * time.Second
}
