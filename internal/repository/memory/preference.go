package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type preferenceKey struct {
	userID  string
	channel model.Channel
	typ     model.EventType
}

type policyKey struct {
	workspaceID string
	typ         model.EventType
}

type preferenceRepository struct {
	mu       sync.RWMutex
	prefs    map[preferenceKey]model.Preference
	policies map[policyKey]model.WorkspacePolicy
}

func NewPreferenceRepository() repository.PreferenceRepository {
	return &preferenceRepository{
		prefs:    make(map[preferenceKey]model.Preference),
		policies: make(map[policyKey]model.WorkspacePolicy),
	}
}

func (r *preferenceRepository) Get(_ context.Context, userID string, channel model.Channel, t model.EventType) (*model.Preference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prefs[preferenceKey{userID, channel, t}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *preferenceRepository) List(_ context.Context, userID string) ([]*model.Preference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Preference, 0)
	for k, p := range r.prefs {
		if k.userID == userID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type == out[j].Type {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (r *preferenceRepository) Upsert(_ context.Context, p *model.Preference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[preferenceKey{p.UserID, p.Channel, p.Type}] = *p
	return nil
}

func (r *preferenceRepository) GetWorkspacePolicy(_ context.Context, workspaceID string, t model.EventType) (*model.WorkspacePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[policyKey{workspaceID, t}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p.DisabledChannels = append([]model.Channel(nil), p.DisabledChannels...)
	return &p, nil
}

func (r *preferenceRepository) UpsertWorkspacePolicy(_ context.Context, p *model.WorkspacePolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	cp.DisabledChannels = append([]model.Channel(nil), p.DisabledChannels...)
	r.policies[policyKey{p.WorkspaceID, p.Type}] = cp
	return nil
}
