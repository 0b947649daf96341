package memory

import (
	"context"
	"sync"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type pushTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]model.PushToken
}

func NewPushTokenRepository() repository.PushTokenRepository {
	return &pushTokenRepository{tokens: make(map[string]model.PushToken)}
}

// Register binds the token to the user, moving it if another user held it.
func (r *pushTokenRepository) Register(_ context.Context, t *model.PushToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.Token] = *t
	return nil
}

func (r *pushTokenRepository) Unregister(_ context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok || t.UserID != userID {
		return repository.ErrNotFound
	}
	delete(r.tokens, token)
	return nil
}

func (r *pushTokenRepository) ListByUser(_ context.Context, userID string) ([]*model.PushToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.PushToken, 0)
	for _, t := range r.tokens {
		if t.UserID == userID {
			t := t
			out = append(out, &t)
		}
	}
	return out, nil
}

func (r *pushTokenRepository) DeleteToken(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
	return nil
}

type analyticsRepository struct {
	mu     sync.RWMutex
	events []model.DeliveryEvent
}

func NewAnalyticsRepository() repository.AnalyticsRepository {
	return &analyticsRepository{}
}

func (r *analyticsRepository) Append(_ context.Context, events []model.DeliveryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *analyticsRepository) Query(_ context.Context, q model.DeliveryEventQuery) ([]model.DeliveryEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.DeliveryEvent, 0)
	for _, ev := range r.events {
		if q.TemplateID != "" && ev.TemplateID != q.TemplateID {
			continue
		}
		if q.TestID != "" && ev.TestID != q.TestID {
			continue
		}
		if !q.From.IsZero() && ev.OccurredAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !ev.OccurredAt.Before(q.To) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

type bulkActionRepository struct {
	mu      sync.Mutex
	actions map[string]model.BulkAction
}

func NewBulkActionRepository() repository.BulkActionRepository {
	return &bulkActionRepository{actions: make(map[string]model.BulkAction)}
}

func (r *bulkActionRepository) Create(_ context.Context, action *model.BulkAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[action.ID]; ok {
		return repository.ErrConflict
	}
	r.actions[action.ID] = *action
	return nil
}

func (r *bulkActionRepository) Update(_ context.Context, action *model.BulkAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[action.ID]; !ok {
		return repository.ErrNotFound
	}
	r.actions[action.ID] = *action
	return nil
}

func (r *bulkActionRepository) Get(_ context.Context, id string) (*model.BulkAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

type contactRepository struct {
	mu     sync.RWMutex
	emails map[string]string
}

func NewContactRepository() repository.ContactRepository {
	return &contactRepository{emails: make(map[string]string)}
}

func (r *contactRepository) EmailFor(_ context.Context, userID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.emails[userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return e, nil
}

func (r *contactRepository) SetEmail(_ context.Context, userID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails[userID] = email
	return nil
}
