package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type batchRepository struct {
	mu      sync.Mutex
	windows map[string]*model.BatchWindow
}

func NewBatchRepository() repository.BatchRepository {
	return &batchRepository{windows: make(map[string]*model.BatchWindow)}
}

func (r *batchRepository) Append(_ context.Context, req repository.BatchAppend) (repository.BatchAppendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := model.WindowID(req.UserID, req.BatchKey)
	w, ok := r.windows[id]
	if !ok {
		w = &model.BatchWindow{
			UserID:   req.UserID,
			BatchKey: req.BatchKey,
			Type:     req.Type,
			OpenedAt: req.Now,
		}
		r.windows[id] = w
	}
	w.FlushAt = req.FlushDeadline(w.OpenedAt, w.FlushAt, !ok)
	w.Events = append(w.Events, req.Event)

	return repository.BatchAppendResult{Created: !ok, FlushAt: w.FlushAt, Size: len(w.Events)}, nil
}

func (r *batchRepository) Take(_ context.Context, userID, batchKey string) (*model.BatchWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := model.WindowID(userID, batchKey)
	w, ok := r.windows[id]
	if !ok {
		return nil, nil
	}
	delete(r.windows, id)
	return w, nil
}

func (r *batchRepository) TakeDue(_ context.Context, now time.Time, limit int) ([]*model.BatchWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]*model.BatchWindow, 0)
	for _, w := range r.windows {
		if !w.FlushAt.After(now) {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FlushAt.Before(due[j].FlushAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, w := range due {
		delete(r.windows, model.WindowID(w.UserID, w.BatchKey))
	}
	return due, nil
}

func (r *batchRepository) Restore(_ context.Context, w *model.BatchWindow, flushAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := model.WindowID(w.UserID, w.BatchKey)
	restored := &model.BatchWindow{
		UserID:   w.UserID,
		BatchKey: w.BatchKey,
		Type:     w.Type,
		OpenedAt: w.OpenedAt,
		FlushAt:  flushAt,
		Events:   append([]model.NotificationEvent(nil), w.Events...),
	}
	if cur, ok := r.windows[id]; ok {
		restored.Events = append(restored.Events, cur.Events...)
		if cur.OpenedAt.Before(restored.OpenedAt) {
			restored.OpenedAt = cur.OpenedAt
		}
		if cur.FlushAt.Before(restored.FlushAt) {
			restored.FlushAt = cur.FlushAt
		}
	}
	r.windows[id] = restored
	return nil
}

// CancelEntity drops pending events for the entity. Emptied windows stay in
// place so their flush finds nothing to send.
func (r *batchRepository) CancelEntity(_ context.Context, entityType, entityID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, w := range r.windows {
		kept := w.Events[:0]
		for _, ev := range w.Events {
			if ev.EntityType == entityType && ev.EntityID == entityID {
				count++
				continue
			}
			kept = append(kept, ev)
		}
		w.Events = kept
	}
	return count, nil
}
