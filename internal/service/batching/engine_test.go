package batching

import (
	"context"
	"errors"
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

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	windows []*model.BatchWindow
}

func (r *recorder) handle(_ context.Context, w *model.BatchWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, w)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

func newTestEngine(policies map[model.EventType]Policy) (*engine, *clock, *recorder) {
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(memory.NewBatchRepository(), Config{Policies: policies}, logger.Nop(), metrics.NewNop()).(*engine)
	e.now = c.Now
	rec := &recorder{}
	e.SetFlushHandler(rec.handle)
	return e, c, rec
}

func commentEvent(id, taskID string) *model.NotificationEvent {
	return &model.NotificationEvent{
		ID:           id,
		Type:         model.EventTypeComment,
		TargetUserID: "u1",
		EntityType:   "task",
		EntityID:     taskID,
		Metadata:     model.CommentMetadata{TaskTitle: "Task X", AuthorName: id},
	}
}

func TestCommentsCoalesceIntoOneBatch(t *testing.T) {
	e, c, rec := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: 5 * time.Minute, Mode: model.BatchModeFixed},
	})
	ctx := context.Background()

	for i, id := range []string{"c1", "c2", "c3"} {
		d, err := e.Submit(ctx, commentEvent(id, "t-x"), "u1")
		require.NoError(t, err)
		assert.False(t, d.DeliverNow)
		assert.Equal(t, "comment:task:t-x", d.BatchKey)
		if i < 2 {
			c.Advance(time.Minute)
		}
	}

	n, err := e.FlushDue(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "window not due yet")

	c.Advance(3 * time.Minute)
	n, err = e.FlushDue(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.windows[0].Events, 3)

	n, err = e.FlushDue(ctx, c.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a window is flushed once")
}

func TestFixedWindowDoesNotExtend(t *testing.T) {
	e, c, _ := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: 5 * time.Minute},
	})
	ctx := context.Background()
	start := c.Now()

	_, err := e.Submit(ctx, commentEvent("c1", "t"), "u1")
	require.NoError(t, err)
	c.Advance(4 * time.Minute)
	_, err = e.Submit(ctx, commentEvent("c2", "t"), "u1")
	require.NoError(t, err)

	windows, err := e.store.TakeDue(ctx, start.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, start.Add(5*time.Minute), windows[0].FlushAt)
}

func TestSlidingWindowExtendsUpToMax(t *testing.T) {
	e, c, _ := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: 5 * time.Minute, Mode: model.BatchModeSliding, MaxWindow: 8 * time.Minute},
	})
	ctx := context.Background()
	start := c.Now()

	_, err := e.Submit(ctx, commentEvent("c1", "t"), "u1")
	require.NoError(t, err)
	c.Advance(2 * time.Minute)
	_, err = e.Submit(ctx, commentEvent("c2", "t"), "u1")
	require.NoError(t, err)

	windows, err := e.store.TakeDue(ctx, start.Add(6*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, windows, "deadline moved to 7m")

	c.Advance(4 * time.Minute)
	_, err = e.Submit(ctx, commentEvent("c3", "t"), "u1")
	require.NoError(t, err)

	windows, err = e.store.TakeDue(ctx, start.Add(8*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, start.Add(8*time.Minute), windows[0].FlushAt, "capped at opened + max window")
}

func TestTypesWithoutPolicyBypass(t *testing.T) {
	e, _, _ := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: time.Minute},
	})

	d, err := e.Submit(context.Background(), &model.NotificationEvent{Type: model.EventTypeShare, TargetUserID: "u1"}, "u1")
	require.NoError(t, err)
	assert.True(t, d.DeliverNow)
}

func TestSeparateKeysSeparateWindows(t *testing.T) {
	e, c, rec := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: time.Minute},
	})
	ctx := context.Background()

	_, err := e.Submit(ctx, commentEvent("c1", "t1"), "u1")
	require.NoError(t, err)
	_, err = e.Submit(ctx, commentEvent("c2", "t2"), "u1")
	require.NoError(t, err)
	_, err = e.Submit(ctx, commentEvent("c3", "t1"), "u2")
	require.NoError(t, err)

	c.Advance(time.Minute)
	n, err := e.FlushDue(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, rec.count())
}

func TestCancelEntityDropsPendingEvents(t *testing.T) {
	e, c, rec := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: time.Minute},
	})
	ctx := context.Background()

	_, err := e.Submit(ctx, commentEvent("c1", "t1"), "u1")
	require.NoError(t, err)
	_, err = e.Submit(ctx, commentEvent("c2", "t1"), "u1")
	require.NoError(t, err)

	n, err := e.CancelEntity(ctx, "task", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c.Advance(time.Minute)
	_, err = e.FlushDue(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count(), "empty window produces no notification")
}

func TestFlushTakesExactlyOnce(t *testing.T) {
	e, _, rec := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: time.Minute},
	})
	ctx := context.Background()

	d, err := e.Submit(ctx, commentEvent("c1", "t1"), "u1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Flush(ctx, "u1", d.BatchKey))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rec.count())
}

func TestTimerFlushesWindow(t *testing.T) {
	e := NewEngine(memory.NewBatchRepository(), Config{
		Policies: map[model.EventType]Policy{model.EventTypeComment: {Window: 20 * time.Millisecond}},
		Timers:   true,
	}, logger.Nop(), metrics.NewNop())
	defer e.Stop()
	rec := &recorder{}
	e.SetFlushHandler(rec.handle)

	_, err := e.Submit(context.Background(), commentEvent("c1", "t1"), "u1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestFailedFlushRestoresWindow(t *testing.T) {
	e, c, rec := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: 5 * time.Minute, Mode: model.BatchModeFixed},
	})
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := e.Submit(ctx, commentEvent(id, "t-x"), "u1")
		require.NoError(t, err)
	}

	failures := 1
	e.SetFlushHandler(func(ctx context.Context, w *model.BatchWindow) error {
		if failures > 0 {
			failures--
			return errors.New("schedule: connection reset")
		}
		return rec.handle(ctx, w)
	})

	c.Advance(5 * time.Minute)
	n, err := e.FlushDue(ctx, c.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 0, n)

	n, err = e.FlushDue(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a restored window waits for the retry delay")

	// An event arriving meanwhile joins the restored window.
	_, err = e.Submit(ctx, commentEvent("c4", "t-x"), "u1")
	require.NoError(t, err)

	c.Advance(time.Minute)
	n, err = e.FlushDue(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, rec.count())
	ids := make([]string, 0, 4)
	for _, ev := range rec.windows[0].Events {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, ids)
}

func TestConfigurationErrorDropsWindow(t *testing.T) {
	e, c, _ := newTestEngine(map[model.EventType]Policy{
		model.EventTypeComment: {Window: time.Minute},
	})
	ctx := context.Background()
	_, err := e.Submit(ctx, commentEvent("c1", "t1"), "u1")
	require.NoError(t, err)

	calls := 0
	e.SetFlushHandler(func(context.Context, *model.BatchWindow) error {
		calls++
		return &model.TemplateNotFoundError{TemplateID: "comment_batch"}
	})

	c.Advance(time.Minute)
	_, err = e.FlushDue(ctx, c.Now())
	require.Error(t, err)

	_, err = e.FlushDue(ctx, c.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a window that cannot render is not retried")
}

// partialStore fails TakeDue after taking the due windows.
type partialStore struct {
	repository.BatchRepository
}

func (s partialStore) TakeDue(ctx context.Context, now time.Time, limit int) ([]*model.BatchWindow, error) {
	windows, err := s.BatchRepository.TakeDue(ctx, now, limit)
	if err != nil {
		return windows, err
	}
	return windows, errors.New("connection lost")
}

func TestPartialTakeDueStillDelivers(t *testing.T) {
	store := partialStore{memory.NewBatchRepository()}
	e := NewEngine(store, Config{
		Policies: map[model.EventType]Policy{model.EventTypeComment: {Window: time.Minute}},
	}, logger.Nop(), metrics.NewNop())
	rec := &recorder{}
	e.SetFlushHandler(rec.handle)
	ctx := context.Background()

	for _, task := range []string{"t1", "t2"} {
		_, err := e.Submit(ctx, commentEvent("c-"+task, task), "u1")
		require.NoError(t, err)
	}

	n, err := e.FlushDue(ctx, time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, rec.count())
}
