package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type digestRepository struct {
	mu        sync.Mutex
	schedules map[string]model.DigestSchedule
	items     []model.DigestItem
}

func NewDigestRepository() repository.DigestRepository {
	return &digestRepository{schedules: make(map[string]model.DigestSchedule)}
}

func (r *digestRepository) UpsertSchedule(_ context.Context, s *model.DigestSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.UserID] = *s
	return nil
}

func (r *digestRepository) GetSchedule(_ context.Context, userID string) (*model.DigestSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (r *digestRepository) DeleteSchedule(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedules, userID)
	return nil
}

func (r *digestRepository) DueSchedules(_ context.Context, now time.Time, limit int) ([]*model.DigestSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.DigestSchedule, 0)
	for _, s := range r.schedules {
		if !s.NextRunAt.After(now) {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *digestRepository) AdvanceSchedule(_ context.Context, userID string, expected, next, lastRun time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[userID]
	if !ok || !s.NextRunAt.Equal(expected) {
		return false, nil
	}
	s.NextRunAt = next
	lr := lastRun
	s.LastRunAt = &lr
	r.schedules[userID] = s
	return true, nil
}

func (r *digestRepository) AddItem(_ context.Context, item *model.DigestItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, *item)
	return nil
}

// ItemsBetween returns items in (from, to].
func (r *digestRepository) ItemsBetween(_ context.Context, userID string, from *time.Time, to time.Time) ([]*model.DigestItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.DigestItem, 0)
	for _, it := range r.items {
		if it.UserID != userID || it.OccurredAt.After(to) {
			continue
		}
		if from != nil && !it.OccurredAt.After(*from) {
			continue
		}
		it := it
		out = append(out, &it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
