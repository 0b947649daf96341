// Package notification serves a user's inbox: listing delivered
// notifications and recording what the user does with them.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/internal/service/analytics"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/messaging"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Service interface {
	List(ctx context.Context, filter model.NotificationFilter) ([]*model.Notification, int, error)
	Get(ctx context.Context, userID, id string) (*model.Notification, error)
	// MarkRead is idempotent; only the first read records an open.
	MarkRead(ctx context.Context, userID, id string) (*model.Notification, error)
	// Click records a click-through and reads the notification if needed.
	Click(ctx context.Context, userID, id string) (*model.Notification, error)
	Dismiss(ctx context.Context, userID, id string) (*model.Notification, error)
	Delete(ctx context.Context, userID, id string) error
}

type service struct {
	repo     repository.NotificationRepository
	recorder analytics.Recorder
	broker   messaging.Broker
	logger   *logger.Logger
	now      func() time.Time
}

// NewService builds the inbox service. broker may be nil, in which case
// status changes are not pushed to realtime subscribers.
func NewService(repo repository.NotificationRepository, recorder analytics.Recorder, broker messaging.Broker, log *logger.Logger) Service {
	return &service{
		repo:     repo,
		recorder: recorder,
		broker:   broker,
		logger:   log,
		now:      time.Now,
	}
}

func (s *service) List(ctx context.Context, filter model.NotificationFilter) ([]*model.Notification, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	return items, total, nil
}

// Get returns the notification only if it belongs to the user and is visible
// in the inbox.
func (s *service) Get(ctx context.Context, userID, id string) (*model.Notification, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	if !(model.NotificationFilter{UserID: userID}).Matches(n) {
		return nil, fmt.Errorf("failed to get notification: %w", repository.ErrNotFound)
	}
	return n, nil
}

func (s *service) MarkRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	n, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if n.ReadAt != nil {
		return n, nil
	}
	if err := s.read(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *service) read(ctx context.Context, n *model.Notification) error {
	now := s.now()
	n.ReadAt = &now
	if n.Status == model.NotificationStatusDispatched {
		n.Status = model.NotificationStatusRead
	}
	n.UpdatedAt = now
	if err := s.repo.Update(ctx, n); err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	s.recorder.Record(model.DeliveryEventFor(n, model.ChannelInApp, model.DeliveryKindOpened, now))
	s.publish(ctx, n)
	return nil
}

func (s *service) Click(ctx context.Context, userID, id string) (*model.Notification, error) {
	n, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if n.ReadAt == nil {
		if err := s.read(ctx, n); err != nil {
			return nil, err
		}
	}
	s.recorder.Record(model.DeliveryEventFor(n, model.ChannelInApp, model.DeliveryKindClicked, s.now()))
	return n, nil
}

func (s *service) Dismiss(ctx context.Context, userID, id string) (*model.Notification, error) {
	n, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if n.Status == model.NotificationStatusDismissed {
		return n, nil
	}
	now := s.now()
	n.Status = model.NotificationStatusDismissed
	n.UpdatedAt = now
	if err := s.repo.Update(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to dismiss notification: %w", err)
	}
	s.recorder.Record(model.DeliveryEventFor(n, model.ChannelInApp, model.DeliveryKindDismissed, now))
	s.publish(ctx, n)
	return n, nil
}

// Delete removes one notification through the bulk path so ownership and
// visibility are checked in the same statement as the delete.
func (s *service) Delete(ctx context.Context, userID, id string) error {
	count, err := s.repo.ApplyBulk(ctx, &model.BulkAction{
		UserID:          userID,
		Type:            model.BulkActionDelete,
		NotificationIDs: []string{id},
	}, s.now())
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("failed to delete notification: %w", repository.ErrNotFound)
	}
	return nil
}

func (s *service) publish(ctx context.Context, n *model.Notification) {
	if s.broker == nil {
		return
	}
	err := s.broker.Publish(ctx, messaging.UserChannel(n.UserID), messaging.Message{
		Type: messaging.TypeNotificationStatus,
		Payload: map[string]any{
			"notification_id": n.ID,
			"status":          n.Status,
			"read_at":         n.ReadAt,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to publish inbox update", "notification_id", n.ID, "error", err.Error())
	}
}
