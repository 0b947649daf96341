package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRestoreMergesWithNewEvents(t *testing.T) {
	repo := NewBatchRepository()
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	req := repository.BatchAppend{UserID: "u1", BatchKey: "comment:task:t1", Type: model.EventTypeComment, Now: now, Window: time.Minute}
	for _, id := range []string{"e1", "e2"} {
		req.Event = model.NotificationEvent{ID: id, EntityType: "task", EntityID: "t1"}
		_, err := repo.Append(ctx, req)
		require.NoError(t, err)
	}
	due, err := repo.TakeDue(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	req.Now = now.Add(90 * time.Second)
	req.Event = model.NotificationEvent{ID: "e3", EntityType: "task", EntityID: "t1"}
	_, err = repo.Append(ctx, req)
	require.NoError(t, err)

	require.NoError(t, repo.Restore(ctx, due[0], now.Add(10*time.Minute)))

	w, err := repo.Take(ctx, "u1", "comment:task:t1")
	require.NoError(t, err)
	require.NotNil(t, w)
	ids := make([]string, 0, len(w.Events))
	for _, ev := range w.Events {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids)
	assert.Equal(t, now, w.OpenedAt)
	assert.Equal(t, now.Add(150*time.Second), w.FlushAt, "the earlier deadline wins")
}

func TestBatchRestoreIntoEmptySlot(t *testing.T) {
	repo := NewBatchRepository()
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	w := &model.BatchWindow{
		UserID:   "u1",
		BatchKey: "k",
		Type:     model.EventTypeComment,
		OpenedAt: now,
		FlushAt:  now,
		Events:   []model.NotificationEvent{{ID: "e1"}},
	}
	require.NoError(t, repo.Restore(ctx, w, now.Add(time.Minute)))

	due, err := repo.TakeDue(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.TakeDue(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "e1", due[0].Events[0].ID)
}
