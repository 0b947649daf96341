package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/validator"
)

type Service interface {
	// Apply runs the action in one transaction and returns the stored action
	// with its final status. A failed action has affected nothing.
	Apply(ctx context.Context, action *model.BulkAction) (*model.BulkAction, error)
	Get(ctx context.Context, userID, id string) (*model.BulkAction, error)
}

type service struct {
	notifications repository.NotificationRepository
	actions       repository.BulkActionRepository
	validator     validator.Validator
	logger        *logger.Logger
	now           func() time.Time
}

func NewService(
	notifications repository.NotificationRepository,
	actions repository.BulkActionRepository,
	v validator.Validator,
	log *logger.Logger,
) Service {
	return &service{
		notifications: notifications,
		actions:       actions,
		validator:     v,
		logger:        log,
		now:           time.Now,
	}
}

func (s *service) Apply(ctx context.Context, action *model.BulkAction) (*model.BulkAction, error) {
	if err := s.validator.Validate(action); err != nil {
		return nil, model.Invalidf("invalid bulk action: %w", err)
	}
	if action.Filter == nil && len(action.NotificationIDs) == 0 {
		return nil, model.Invalidf("invalid bulk action: filter or notification_ids is required")
	}
	if action.Filter != nil && len(action.NotificationIDs) > 0 {
		return nil, model.Invalidf("invalid bulk action: filter and notification_ids are exclusive")
	}
	if action.Filter != nil {
		action.Filter.UserID = action.UserID
		action.Filter.Limit = 0
		action.Filter.Offset = 0
	}

	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	action.Status = model.BulkActionStatusPending
	action.CreatedAt = s.now()
	if err := s.actions.Create(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to record bulk action: %w", err)
	}

	affected, applyErr := s.notifications.ApplyBulk(ctx, action, s.now())
	done := s.now()
	action.CompletedAt = &done
	if applyErr != nil {
		action.Status = model.BulkActionStatusFailed
		action.Error = applyErr.Error()
		action.AffectedCount = 0
		s.logger.Error(applyErr, "bulk action failed",
			"action_id", action.ID,
			"user_id", action.UserID,
			"type", string(action.Type))
	} else {
		action.Status = model.BulkActionStatusCompleted
		action.AffectedCount = affected
	}

	if err := s.actions.Update(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to update bulk action: %w", err)
	}
	if applyErr != nil {
		return action, fmt.Errorf("bulk %s failed: %w", action.Type, applyErr)
	}
	s.logger.Info("bulk action completed",
		"action_id", action.ID,
		"type", string(action.Type),
		"affected", affected)
	return action, nil
}

func (s *service) Get(ctx context.Context, userID, id string) (*model.BulkAction, error) {
	a, err := s.actions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk action: %w", err)
	}
	if a.UserID != userID {
		return nil, fmt.Errorf("failed to get bulk action: %w", repository.ErrNotFound)
	}
	return a, nil
}
