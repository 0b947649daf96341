package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/internal/repository/memory"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func ev(n, variant string, kind model.DeliveryKind, at time.Time) model.DeliveryEvent {
	return model.DeliveryEvent{
		NotificationID: n,
		UserID:         "u-" + n,
		TemplateID:     "promo",
		VariantID:      variant,
		TestID:         "t1",
		Channel:        model.ChannelEmail,
		Kind:           kind,
		OccurredAt:     at,
	}
}

type fixture struct {
	svc   Service
	repo  repository.AnalyticsRepository
	tests repository.ABTestRepository
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	repo := memory.NewAnalyticsRepository()
	tests := memory.NewABTestRepository()
	templates := memory.NewTemplateRepository()
	require.NoError(t, templates.Save(context.Background(), &model.Template{
		ID: "promo", Type: model.EventTypeMarketing,
		Variants: []model.Variant{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}, {ID: "c", Weight: 1}},
	}))
	start := t0.Add(-time.Hour)
	require.NoError(t, tests.Create(context.Background(), &model.ABTest{
		ID: "t1", TemplateID: "promo", Status: model.ABTestStatusRunning, StartAt: &start,
	}))
	return fixture{
		svc:   NewService(repo, tests, templates, cfg, logger.Nop(), metrics.NewNop()),
		repo:  repo,
		tests: tests,
	}
}

func TestAggregatePerVariant(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, e := range []model.DeliveryEvent{
		ev("n1", "a", model.DeliveryKindSent, t0),
		ev("n1", "a", model.DeliveryKindOpened, t0.Add(time.Minute)),
		ev("n1", "a", model.DeliveryKindClicked, t0.Add(2*time.Minute)),
		ev("n2", "a", model.DeliveryKindSent, t0),
		ev("n3", "b", model.DeliveryKindSent, t0),
		ev("n3", "b", model.DeliveryKindDismissed, t0.Add(time.Minute)),
		ev("n4", "b", model.DeliveryKindFailed, t0),
	} {
		f.svc.Record(e)
	}
	require.NoError(t, f.svc.Drain(ctx))

	rows, err := f.svc.Aggregate(ctx, Query{TemplateID: "promo"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	a, b := rows[0], rows[1]
	assert.Equal(t, "a", a.VariantID)
	assert.Equal(t, 2, a.Sent)
	assert.Equal(t, 1, a.Opened)
	assert.Equal(t, 1, a.Clicked)
	assert.InDelta(t, 0.5, a.OpenRate, 1e-9)
	assert.InDelta(t, 0.5, a.ClickThrough, 1e-9)

	assert.Equal(t, "b", b.VariantID)
	assert.Equal(t, 1, b.Sent)
	assert.Equal(t, 1, b.Failed)
	assert.InDelta(t, 1.0, b.DismissRate, 1e-9)
}

func TestAggregateBuckets(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.repo.Append(ctx, []model.DeliveryEvent{
		ev("n1", "a", model.DeliveryKindSent, t0.Add(5*time.Minute)),
		ev("n2", "a", model.DeliveryKindSent, t0.Add(65*time.Minute)),
		ev("n3", "a", model.DeliveryKindSent, t0.Add(70*time.Minute)),
		ev("n4", "a", model.DeliveryKindSent, t0.Add(5*time.Hour)),
	}))

	rows, err := f.svc.Aggregate(ctx, Query{TemplateID: "promo", From: t0, To: t0.Add(2 * time.Hour), Bucket: time.Hour})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, t0, rows[0].BucketStart)
	assert.Equal(t, 1, rows[0].Sent)
	assert.Equal(t, t0.Add(time.Hour), rows[1].BucketStart)
	assert.Equal(t, 2, rows[1].Sent)

	_, err = f.svc.Aggregate(ctx, Query{})
	assert.Error(t, err)
}

func TestCompareVariantsIncludesIdleVariants(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.repo.Append(ctx, []model.DeliveryEvent{
		ev("n1", "a", model.DeliveryKindSent, t0),
		ev("n2", "b", model.DeliveryKindSent, t0),
		ev("n0", "a", model.DeliveryKindSent, t0.Add(-2*time.Hour)),
	}))

	rows, err := f.svc.CompareVariants(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0].VariantID)
	assert.Equal(t, 1, rows[0].Sent, "events before the test started are excluded")
	assert.Equal(t, "c", rows[2].VariantID)
	assert.Zero(t, rows[2].Sent)
}

func TestRecordDropsWhenFull(t *testing.T) {
	f := newFixture(t, Config{QueueSize: 2})

	for i := 0; i < 5; i++ {
		f.svc.Record(ev("n", "a", model.DeliveryKindSent, t0))
	}
	require.NoError(t, f.svc.Drain(context.Background()))

	got, err := f.repo.Query(context.Background(), model.DeliveryEventQuery{TemplateID: "promo"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestLoopFlushesOnInterval(t *testing.T) {
	f := newFixture(t, Config{FlushInterval: 10 * time.Millisecond})
	ctx := context.Background()
	f.svc.Start(ctx)

	f.svc.Record(ev("n1", "a", model.DeliveryKindSent, t0))

	assert.Eventually(t, func() bool {
		got, _ := f.repo.Query(ctx, model.DeliveryEventQuery{TemplateID: "promo"})
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.svc.Close(ctx))
}
