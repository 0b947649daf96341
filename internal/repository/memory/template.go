package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type templateRepository struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewTemplateRepository() repository.TemplateRepository {
	return &templateRepository{items: make(map[string][]byte)}
}

// Templates are stored serialized so callers never share variant slices.
func (r *templateRepository) Get(_ context.Context, id string) (*model.Template, error) {
	r.mu.RLock()
	raw, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	var t model.Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *templateRepository) Save(_ context.Context, t *model.Template) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.items[t.ID] = raw
	r.mu.Unlock()
	return nil
}

type abTestRepository struct {
	mu          sync.Mutex
	tests       map[string]model.ABTest
	assignments map[string]model.Assignment
}

func NewABTestRepository() repository.ABTestRepository {
	return &abTestRepository{
		tests:       make(map[string]model.ABTest),
		assignments: make(map[string]model.Assignment),
	}
}

func (r *abTestRepository) Create(_ context.Context, test *model.ABTest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tests[test.ID]; ok {
		return repository.ErrConflict
	}
	r.tests[test.ID] = *test
	return nil
}

func (r *abTestRepository) Get(_ context.Context, id string) (*model.ABTest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r *abTestRepository) Update(_ context.Context, test *model.ABTest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tests[test.ID]; !ok {
		return repository.ErrNotFound
	}
	r.tests[test.ID] = *test
	return nil
}

func (r *abTestRepository) ActiveForTemplate(_ context.Context, templateID string) (*model.ABTest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tests {
		if t.TemplateID == templateID && t.Status == model.ABTestStatusRunning {
			t := t
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *abTestRepository) GetAssignment(_ context.Context, testID, userID string) (*model.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[testID+"|"+userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (r *abTestRepository) CreateAssignment(_ context.Context, a *model.Assignment) (*model.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := a.TestID + "|" + a.UserID
	if existing, ok := r.assignments[key]; ok {
		return &existing, nil
	}
	r.assignments[key] = *a
	stored := *a
	return &stored, nil
}

func (r *abTestRepository) HasAssignments(_ context.Context, templateID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.assignments {
		if t, ok := r.tests[a.TestID]; ok && t.TemplateID == templateID && t.Status == model.ABTestStatusRunning {
			return true, nil
		}
	}
	return false, nil
}
