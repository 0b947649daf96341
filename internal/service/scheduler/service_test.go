package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

var now = time.Date(2024, 3, 4, 9, 5, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []model.DeliveryEvent
}

func (r *recorder) Record(ev model.DeliveryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type fixture struct {
	svc           *service
	notifications repository.NotificationRepository
	digests       repository.DigestRepository
	recorder      *recorder
}

func newFixture(cfg Config) fixture {
	notifications := memory.NewNotificationRepository()
	digests := memory.NewDigestRepository()
	rec := &recorder{}
	svc := NewService(notifications, digests, rec, cfg, logger.Nop(), metrics.NewNop()).(*service)
	svc.now = func() time.Time { return now }
	return fixture{svc: svc, notifications: notifications, digests: digests, recorder: rec}
}

func TestReleaseDueHandsEachNotificationToOneCaller(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		require.NoError(t, f.svc.Schedule(ctx, &model.Notification{
			ID: fmt.Sprintf("n%02d", i), UserID: "u1", Type: model.EventTypeTask,
		}, now.Add(-time.Duration(i)*time.Second)))
	}
	require.NoError(t, f.svc.Schedule(ctx, &model.Notification{ID: "future", UserID: "u1"}, now.Add(time.Minute)))

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := f.svc.ReleaseDue(ctx, now, 3)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, n := range batch {
					seen[n.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
	future, err := f.notifications.Get(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusScheduled, future.Status)
}

func TestClaimSucceedsOnce(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	require.NoError(t, f.svc.Schedule(ctx, &model.Notification{ID: "n1", UserID: "u1"}, now))

	n, ok, err := f.svc.Claim(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.NotificationStatusReleased, n.Status)

	_, ok, err = f.svc.Claim(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := f.svc.ReleaseDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestHandleFailureBacksOffThenFails(t *testing.T) {
	f := newFixture(Config{MaxAttempts: 3, BaseBackoff: 10 * time.Second, MaxBackoff: 15 * time.Second})
	ctx := context.Background()
	require.NoError(t, f.svc.Schedule(ctx, &model.Notification{ID: "n1", UserID: "u1", TemplateID: "task"}, now))
	n, _, err := f.svc.Claim(ctx, "n1")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleFailure(ctx, n, errors.New("smtp timeout")))
	stored, err := f.notifications.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusScheduled, stored.Status)
	assert.Equal(t, now.Add(10*time.Second), stored.ScheduledFor)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "smtp timeout", stored.LastError)

	require.NoError(t, f.svc.HandleFailure(ctx, stored, errors.New("smtp timeout")))
	stored, err = f.notifications.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Second), stored.ScheduledFor, "capped at max backoff")

	require.NoError(t, f.svc.HandleFailure(ctx, stored, errors.New("smtp timeout")))
	stored, err = f.notifications.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)

	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, model.DeliveryKindFailed, f.recorder.events[0].Kind)
	assert.Equal(t, "task", f.recorder.events[0].TemplateID)
}

func TestBackoffDoubles(t *testing.T) {
	f := newFixture(Config{BaseBackoff: time.Second, MaxBackoff: time.Minute})
	assert.Equal(t, time.Second, f.svc.backoff(1))
	assert.Equal(t, 2*time.Second, f.svc.backoff(2))
	assert.Equal(t, 8*time.Second, f.svc.backoff(4))
	assert.Equal(t, time.Minute, f.svc.backoff(12))
}

func TestCancelOnlyTouchesScheduled(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.svc.Schedule(ctx, &model.Notification{
			ID: id, UserID: "u1", EntityType: "task", EntityID: "t-9",
		}, now.Add(time.Hour)))
	}
	_, _, err := f.svc.Claim(ctx, "c")
	require.NoError(t, err)

	ok, err := f.svc.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := f.svc.CancelEntity(ctx, "task", "t-9")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only b is still scheduled")

	c, err := f.notifications.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusReleased, c.Status)
}

type composer struct {
	calls int
	err   error
	items []*model.DigestItem
}

func (c *composer) ComposeDigest(_ context.Context, s *model.DigestSchedule, items []*model.DigestItem, at time.Time) (*model.Notification, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	c.items = items
	return &model.Notification{
		ID:     fmt.Sprintf("digest-%s-%d", s.UserID, at.Unix()),
		UserID: s.UserID,
		Type:   model.EventTypeDigest,
		Payload: model.Payload{
			Title: fmt.Sprintf("%d updates", len(items)),
		},
	}, nil
}

func seedDigest(t *testing.T, f fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.digests.UpsertSchedule(ctx, &model.DigestSchedule{
		UserID:    "u1",
		Frequency: model.FrequencyDaily,
		Hour:      9,
		NextRunAt: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}))
	for i, at := range []time.Time{now.Add(-time.Hour), now.Add(-30 * time.Minute), now.Add(time.Hour)} {
		require.NoError(t, f.digests.AddItem(ctx, &model.DigestItem{
			ID: fmt.Sprintf("i%d", i), UserID: "u1", EventType: model.EventTypeComment, OccurredAt: at,
		}))
	}
}

func TestRunDueDigests(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	seedDigest(t, f)
	c := &composer{}
	f.svc.SetDigestComposer(c)

	created, err := f.svc.RunDueDigests(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Len(t, c.items, 2, "items after now wait for the next run")

	sched, err := f.digests.GetSchedule(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), sched.NextRunAt)
	require.NotNil(t, sched.LastRunAt)
	assert.Equal(t, now, *sched.LastRunAt)

	digest, err := f.notifications.Get(ctx, fmt.Sprintf("digest-u1-%d", now.Unix()))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusScheduled, digest.Status)
	assert.Equal(t, "2 updates", digest.Payload.Title)

	created, err = f.svc.RunDueDigests(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, 1, c.calls)
}

func TestRunDueDigestsRollsBackOnComposeError(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	seedDigest(t, f)
	c := &composer{err: errors.New("template missing")}
	f.svc.SetDigestComposer(c)

	created, err := f.svc.RunDueDigests(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, created)

	sched, err := f.digests.GetSchedule(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), sched.NextRunAt)

	c.err = nil
	created, err = f.svc.RunDueDigests(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Len(t, c.items, 2)
}

func TestRunDueDigestsRequiresComposer(t *testing.T) {
	f := newFixture(Config{})
	_, err := f.svc.RunDueDigests(context.Background(), now)
	assert.Error(t, err)
}

func TestRequeueStaleReleasesAbandonedClaims(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	require.NoError(t, f.svc.Schedule(ctx, &model.Notification{ID: "stuck", UserID: "u1"}, now))
	require.NoError(t, f.svc.Schedule(ctx, &model.Notification{ID: "fresh", UserID: "u1"}, now))
	_, ok, err := f.svc.Claim(ctx, "stuck")
	require.NoError(t, err)
	require.True(t, ok)

	later := now.Add(10 * time.Minute)
	f.svc.now = func() time.Time { return later }
	_, ok, err = f.svc.Claim(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)

	count, err := f.svc.RequeueStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stuck, err := f.notifications.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusScheduled, stuck.Status)
	assert.Equal(t, later, stuck.ScheduledFor)

	fresh, err := f.notifications.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusReleased, fresh.Status)
}
