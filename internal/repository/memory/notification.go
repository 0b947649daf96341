// Package memory holds process-local implementations of the repository
// interfaces. They back single-node deployments and the package tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type notificationRepository struct {
	mu    sync.Mutex
	items map[string]*model.Notification
}

func NewNotificationRepository() repository.NotificationRepository {
	return &notificationRepository{items: make(map[string]*model.Notification)}
}

func (r *notificationRepository) Create(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[n.ID]; ok {
		return repository.ErrConflict
	}
	r.items[n.ID] = n.Clone()
	return nil
}

func (r *notificationRepository) Get(_ context.Context, id string) (*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return n.Clone(), nil
}

func (r *notificationRepository) Update(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[n.ID]; !ok {
		return repository.ErrNotFound
	}
	r.items[n.ID] = n.Clone()
	return nil
}

func (r *notificationRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]*model.Notification, 0)
	for _, n := range r.items {
		if n.Status == model.NotificationStatusScheduled && !n.ScheduledFor.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.Notification, 0, len(due))
	for _, n := range due {
		n.Status = model.NotificationStatusReleased
		n.UpdatedAt = now
		out = append(out, n.Clone())
	}
	return out, nil
}

func (r *notificationRepository) Transition(_ context.Context, id string, from []model.NotificationStatus, to model.NotificationStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	for _, s := range from {
		if n.Status == s {
			n.Status = to
			n.UpdatedAt = at
			return true, nil
		}
	}
	return false, nil
}

func (r *notificationRepository) CancelByEntity(_ context.Context, entityType, entityID string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.items {
		if n.Status == model.NotificationStatusScheduled && n.EntityType == entityType && n.EntityID == entityID {
			n.Status = model.NotificationStatusCancelled
			n.UpdatedAt = at
			count++
		}
	}
	return count, nil
}

func (r *notificationRepository) RequeueStale(_ context.Context, cutoff, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.items {
		if n.Status == model.NotificationStatusReleased && n.UpdatedAt.Before(cutoff) {
			n.Status = model.NotificationStatusScheduled
			n.ScheduledFor = now
			n.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (r *notificationRepository) List(_ context.Context, filter model.NotificationFilter) ([]*model.Notification, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*model.Notification, 0)
	for _, n := range r.items {
		if filter.Matches(n) {
			matched = append(matched, n)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	out := make([]*model.Notification, 0, end-start)
	for _, n := range matched[start:end] {
		out = append(out, n.Clone())
	}
	return out, total, nil
}

func (r *notificationRepository) ApplyBulk(_ context.Context, action *model.BulkAction, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := r.bulkTargets(action)
	for _, n := range targets {
		switch action.Type {
		case model.BulkActionMarkRead:
			t := at
			n.ReadAt = &t
			if n.Status == model.NotificationStatusDispatched {
				n.Status = model.NotificationStatusRead
			}
			n.UpdatedAt = at
		case model.BulkActionArchive:
			n.Status = model.NotificationStatusArchived
			n.UpdatedAt = at
		case model.BulkActionDelete:
			delete(r.items, n.ID)
		}
	}
	return len(targets), nil
}

// bulkTargets evaluates the action's selection under the lock.
func (r *notificationRepository) bulkTargets(action *model.BulkAction) []*model.Notification {
	filter := model.NotificationFilter{UserID: action.UserID}
	if action.Filter != nil {
		filter = *action.Filter
		filter.UserID = action.UserID
	}

	out := make([]*model.Notification, 0)
	if len(action.NotificationIDs) > 0 {
		seen := make(map[string]struct{}, len(action.NotificationIDs))
		for _, id := range action.NotificationIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if n, ok := r.items[id]; ok && filter.Matches(n) && !alreadyApplied(action.Type, n) {
				out = append(out, n)
			}
		}
		return out
	}
	for _, n := range r.items {
		if filter.Matches(n) && !alreadyApplied(action.Type, n) {
			out = append(out, n)
		}
	}
	return out
}

func alreadyApplied(t model.BulkActionType, n *model.Notification) bool {
	switch t {
	case model.BulkActionMarkRead:
		return n.ReadAt != nil
	case model.BulkActionArchive:
		return n.Status == model.NotificationStatusArchived
	}
	return false
}
