package abtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/logger"
)

var ErrInvalidTransition = fmt.Errorf("%w: invalid test status transition", repository.ErrConflict)

type Service interface {
	SelectVariant(ctx context.Context, testID, userID string) (string, error)
	ActiveTestFor(ctx context.Context, templateID string) (*model.ABTest, error)
	CreateTest(ctx context.Context, test *model.ABTest) error
	StartTest(ctx context.Context, testID string) (*model.ABTest, error)
	CompleteTest(ctx context.Context, testID string) (*model.ABTest, error)
	GetTest(ctx context.Context, testID string) (*model.ABTest, error)
}

type service struct {
	tests     repository.ABTestRepository
	templates repository.TemplateRepository
	logger    *logger.Logger
	now       func() time.Time
}

func NewService(tests repository.ABTestRepository, templates repository.TemplateRepository, log *logger.Logger) Service {
	return &service{tests: tests, templates: templates, logger: log, now: time.Now}
}

// SelectVariant returns the user's sticky variant for a live test, or the
// template default otherwise.
func (s *service) SelectVariant(ctx context.Context, testID, userID string) (string, error) {
	test, err := s.GetTest(ctx, testID)
	if err != nil {
		return "", err
	}
	tpl, err := s.templates.Get(ctx, test.TemplateID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", &model.TemplateNotFoundError{TemplateID: test.TemplateID}
	}
	if err != nil {
		return "", fmt.Errorf("failed to load template: %w", err)
	}

	now := s.now()
	if !test.Live(now) {
		def := tpl.DefaultVariant()
		if def == nil {
			return "", &model.TemplateNotFoundError{TemplateID: tpl.ID}
		}
		return def.ID, nil
	}

	existing, err := s.tests.GetAssignment(ctx, testID, userID)
	if err == nil {
		return existing.VariantID, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("failed to get assignment: %w", err)
	}

	variantID, ok := Pick(testID, userID, tpl.Variants)
	if !ok {
		return "", &model.TemplateNotFoundError{TemplateID: tpl.ID}
	}
	stored, err := s.tests.CreateAssignment(ctx, &model.Assignment{
		TestID:     testID,
		UserID:     userID,
		VariantID:  variantID,
		AssignedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store assignment: %w", err)
	}
	return stored.VariantID, nil
}

// Pick maps hash(testID, userID) onto the normalized cumulative weights.
// Variants with zero weight are never picked unless all weights are zero, in
// which case they share evenly.
func Pick(testID, userID string, variants []model.Variant) (string, bool) {
	if len(variants) == 0 {
		return "", false
	}
	var total float64
	for _, v := range variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}

	h := xxhash.New()
	_, _ = h.WriteString(testID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(userID)
	// 53 bits keep the point exactly representable as a float64 in [0,1).
	point := float64(h.Sum64()>>11) / float64(uint64(1)<<53)

	if total == 0 {
		return variants[int(point*float64(len(variants)))].ID, true
	}

	target := point * total
	var acc float64
	last := ""
	for _, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		acc += v.Weight
		last = v.ID
		if target < acc {
			return v.ID, true
		}
	}
	return last, true
}

func (s *service) ActiveTestFor(ctx context.Context, templateID string) (*model.ABTest, error) {
	test, err := s.tests.ActiveForTemplate(ctx, templateID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active test: %w", err)
	}
	if !test.Live(s.now()) {
		return nil, nil
	}
	return test, nil
}

func (s *service) GetTest(ctx context.Context, testID string) (*model.ABTest, error) {
	test, err := s.tests.Get(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get test %s: %w", testID, err)
	}
	return test, nil
}

func (s *service) CreateTest(ctx context.Context, test *model.ABTest) error {
	if test.TemplateID == "" {
		return model.Invalidf("invalid test: template_id is required")
	}
	tpl, err := s.templates.Get(ctx, test.TemplateID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.TemplateNotFoundError{TemplateID: test.TemplateID}
	}
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}
	if len(tpl.Variants) < 2 {
		return model.Invalidf("invalid test: template %s has fewer than two variants", tpl.ID)
	}
	if test.StartAt != nil && test.EndAt != nil && !test.EndAt.After(*test.StartAt) {
		return model.Invalidf("invalid test: end_at must be after start_at")
	}

	if test.ID == "" {
		test.ID = uuid.NewString()
	}
	test.Status = model.ABTestStatusDraft
	if test.Policy == "" {
		test.Policy = model.AssignmentPolicyHash
	}
	test.CreatedAt = s.now()
	if err := s.tests.Create(ctx, test); err != nil {
		return fmt.Errorf("failed to create test: %w", err)
	}
	return nil
}

// StartTest moves a draft test to running. Only one test may run per template.
func (s *service) StartTest(ctx context.Context, testID string) (*model.ABTest, error) {
	test, err := s.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != model.ABTestStatusDraft {
		return nil, fmt.Errorf("%w: %s -> running", ErrInvalidTransition, test.Status)
	}
	active, err := s.tests.ActiveForTemplate(ctx, test.TemplateID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to get active test: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("%w: template %s already has running test %s", repository.ErrConflict, test.TemplateID, active.ID)
	}

	test.Status = model.ABTestStatusRunning
	if test.StartAt == nil {
		now := s.now()
		test.StartAt = &now
	}
	if err := s.tests.Update(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to start test: %w", err)
	}
	s.logger.Info("ab test started", "test_id", test.ID, "template_id", test.TemplateID)
	return test, nil
}

func (s *service) CompleteTest(ctx context.Context, testID string) (*model.ABTest, error) {
	test, err := s.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != model.ABTestStatusRunning {
		return nil, fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, test.Status)
	}
	test.Status = model.ABTestStatusCompleted
	now := s.now()
	if test.EndAt == nil || test.EndAt.After(now) {
		test.EndAt = &now
	}
	if err := s.tests.Update(ctx, test); err != nil {
		return nil, fmt.Errorf("failed to complete test: %w", err)
	}
	s.logger.Info("ab test completed", "test_id", test.ID, "template_id", test.TemplateID)
	return test, nil
}
