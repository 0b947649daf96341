package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify/config"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Store:    config.StoreConfig{Driver: config.StoreMemory},
		Broker:   config.BrokerConfig{Driver: config.BrokerMemory},
		Batching: config.BatchingConfig{Store: config.StoreMemory},
		Scheduler: config.SchedulerConfig{
			PollInterval: time.Second,
			BatchSize:    10,
			StaleAfter:   time.Minute,
		},
		Dispatch: config.DispatchConfig{
			TypeChannels: map[string][]string{"share": {"in_app"}},
		},
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test", "app")
	a, err := New(context.Background(), cfg, logger.Nop(), m)
	require.NoError(t, err)
	return a
}

func TestNewMemory(t *testing.T) {
	a := newApp(t, memoryConfig())

	assert.Empty(t, a.Pingers)
	assert.NotNil(t, a.Stores.Notifications)
	assert.NotNil(t, a.Stores.Batches)
	assert.NotNil(t, a.Broker)
	assert.NotNil(t, a.Sweeper())
	assert.NotNil(t, a.Intake())

	require.NoError(t, a.Shutdown(context.Background()))
}

func TestEventReachesInbox(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, memoryConfig())
	defer a.Shutdown(ctx)

	require.NoError(t, a.Templates.SaveTemplate(ctx, &model.Template{
		ID:   "share",
		Type: model.EventTypeShare,
		Variants: []model.Variant{{ID: "a", Weight: 1, Content: model.ContentSpec{
			Title: "{{.SharerName}} shared {{.ResourceName}}",
			Body:  "{{.ResourceKind}}",
		}}},
	}))

	require.NoError(t, a.Pipeline.Process(ctx, &model.NotificationEvent{
		ID:           "ev-1",
		Type:         model.EventTypeShare,
		ActorID:      "u2",
		TargetUserID: "u1",
		EntityType:   "doc",
		EntityID:     "d1",
		Metadata:     model.ShareMetadata{ResourceName: "Roadmap", ResourceKind: "document", SharerName: "Ana"},
	}))

	items, total, err := a.Notifications.List(ctx, model.NotificationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "Ana shared Roadmap", items[0].Payload.Title)
}

func TestNewUnreachablePostgres(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Driver = config.StorePostgres
	cfg.Database = config.DatabaseConfig{Host: "127.0.0.1", Port: 1, User: "x", Name: "x", SSLMode: "disable"}

	m := metrics.NewMetrics(prometheus.NewRegistry(), "test", "app")
	a, err := New(context.Background(), cfg, logger.Nop(), m)
	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestShutdownTimeout(t *testing.T) {
	cfg := &config.Config{}
	assert.Equal(t, 20*time.Second, ShutdownTimeout(cfg))
	cfg.Server.ShutdownTimeout = time.Second
	assert.Equal(t, time.Second, ShutdownTimeout(cfg))
}
