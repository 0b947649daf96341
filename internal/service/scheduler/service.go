package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/internal/service/analytics"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/metrics"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	DigestBatch int
}

// DigestComposer builds the digest notification for a user from the items
// collected since the previous run. Returning nil skips the run.
type DigestComposer interface {
	ComposeDigest(ctx context.Context, s *model.DigestSchedule, items []*model.DigestItem, at time.Time) (*model.Notification, error)
}

type Service interface {
	Schedule(ctx context.Context, n *model.Notification, at time.Time) error
	ReleaseDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
	// Claim releases one scheduled notification for immediate dispatch. It
	// reports false when another caller got there first.
	Claim(ctx context.Context, id string) (*model.Notification, bool, error)
	MarkDispatched(ctx context.Context, n *model.Notification) error
	HandleFailure(ctx context.Context, n *model.Notification, cause error) error
	// MarkFailed fails the notification without retrying.
	MarkFailed(ctx context.Context, n *model.Notification, cause error) error
	// Suppress closes a released notification that no channel was permitted
	// to deliver.
	Suppress(ctx context.Context, n *model.Notification, reason string) error
	Cancel(ctx context.Context, id string) (bool, error)
	CancelEntity(ctx context.Context, entityType, entityID string) (int, error)
	RunDueDigests(ctx context.Context, now time.Time) (int, error)
	// RequeueStale reschedules notifications released more than olderThan
	// ago whose dispatch never settled.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	SetDigestComposer(c DigestComposer)
}

type service struct {
	notifications repository.NotificationRepository
	digests       repository.DigestRepository
	recorder      analytics.Recorder
	composer      DigestComposer
	config        Config
	logger        *logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewService(
	notifications repository.NotificationRepository,
	digests repository.DigestRepository,
	recorder analytics.Recorder,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.DigestBatch <= 0 {
		cfg.DigestBatch = 100
	}
	return &service{
		notifications: notifications,
		digests:       digests,
		recorder:      recorder,
		config:        cfg,
		logger:        log,
		metrics:       m,
		now:           time.Now,
	}
}

func (s *service) SetDigestComposer(c DigestComposer) {
	s.composer = c
}

func (s *service) Schedule(ctx context.Context, n *model.Notification, at time.Time) error {
	now := s.now()
	n.ScheduledFor = at
	n.Status = model.NotificationStatusScheduled
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if err := s.notifications.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to schedule notification: %w", err)
	}
	return nil
}

func (s *service) ReleaseDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	released, err := s.notifications.ClaimDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	for _, n := range released {
		s.metrics.ReleaseLag.Observe(now.Sub(n.ScheduledFor).Seconds())
	}
	return released, nil
}

func (s *service) Claim(ctx context.Context, id string) (*model.Notification, bool, error) {
	ok, err := s.notifications.Transition(ctx, id,
		[]model.NotificationStatus{model.NotificationStatusScheduled},
		model.NotificationStatusReleased, s.now())
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim notification: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	n, err := s.notifications.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load claimed notification: %w", err)
	}
	return n, true, nil
}

func (s *service) MarkDispatched(ctx context.Context, n *model.Notification) error {
	n.Status = model.NotificationStatusDispatched
	n.LastError = ""
	n.UpdatedAt = s.now()
	if err := s.notifications.Update(ctx, n); err != nil {
		return fmt.Errorf("failed to mark notification dispatched: %w", err)
	}
	return nil
}

// RequeueStale recovers notifications released longer than olderThan ago
// whose delivery never finished.
func (s *service) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	count, err := s.notifications.RequeueStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale notifications: %w", err)
	}
	if count > 0 {
		s.metrics.StaleRequeued.Add(float64(count))
		s.logger.Warn("requeued stale released notifications", "count", count)
	}
	return count, nil
}

// backoff returns the delay before retry number attempt (1-based).
func (s *service) backoff(attempt int) time.Duration {
	d := s.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.config.MaxBackoff {
			return s.config.MaxBackoff
		}
	}
	if d > s.config.MaxBackoff {
		return s.config.MaxBackoff
	}
	return d
}

// HandleFailure reschedules a transiently failed notification with
// exponential backoff, or fails it once attempts are exhausted.
func (s *service) HandleFailure(ctx context.Context, n *model.Notification, cause error) error {
	n.Attempts++
	if cause != nil {
		n.LastError = cause.Error()
	}
	if n.Attempts >= s.config.MaxAttempts {
		return s.fail(ctx, n)
	}

	now := s.now()
	delay := s.backoff(n.Attempts)
	n.Status = model.NotificationStatusScheduled
	n.ScheduledFor = now.Add(delay)
	n.UpdatedAt = now
	if err := s.notifications.Update(ctx, n); err != nil {
		return fmt.Errorf("failed to reschedule notification: %w", err)
	}
	s.metrics.Retries.WithLabelValues(string(n.Type)).Inc()
	s.logger.Warn("notification rescheduled after failure",
		"notification_id", n.ID,
		"attempt", n.Attempts,
		"retry_in", delay.String(),
		"error", n.LastError)
	return nil
}

func (s *service) MarkFailed(ctx context.Context, n *model.Notification, cause error) error {
	if cause != nil {
		n.LastError = cause.Error()
	}
	return s.fail(ctx, n)
}

func (s *service) fail(ctx context.Context, n *model.Notification) error {
	now := s.now()
	n.Status = model.NotificationStatusFailed
	n.UpdatedAt = now
	if err := s.notifications.Update(ctx, n); err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	s.recorder.Record(model.DeliveryEventFor(n, "", model.DeliveryKindFailed, now))
	s.logger.Error(errors.New(n.LastError), "notification failed permanently",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"attempts", n.Attempts)
	return nil
}

func (s *service) Suppress(ctx context.Context, n *model.Notification, reason string) error {
	n.Status = model.NotificationStatusCancelled
	n.LastError = reason
	n.UpdatedAt = s.now()
	if err := s.notifications.Update(ctx, n); err != nil {
		return fmt.Errorf("failed to suppress notification: %w", err)
	}
	return nil
}

func (s *service) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.notifications.Transition(ctx, id,
		[]model.NotificationStatus{model.NotificationStatusScheduled},
		model.NotificationStatusCancelled, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to cancel notification: %w", err)
	}
	return ok, nil
}

func (s *service) CancelEntity(ctx context.Context, entityType, entityID string) (int, error) {
	n, err := s.notifications.CancelByEntity(ctx, entityType, entityID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to cancel notifications for entity: %w", err)
	}
	return n, nil
}

// RunDueDigests claims each due schedule by advancing it from the value read;
// losers of that race skip the schedule. A composition failure rolls the
// claim back so the next sweep retries.
func (s *service) RunDueDigests(ctx context.Context, now time.Time) (int, error) {
	if s.composer == nil {
		return 0, fmt.Errorf("no digest composer registered")
	}
	due, err := s.digests.DueSchedules(ctx, now, s.config.DigestBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due digests: %w", err)
	}

	created := 0
	for _, sched := range due {
		ok, err := s.runDigest(ctx, sched, now)
		if err != nil {
			s.logger.Error(err, "digest run failed", "user_id", sched.UserID)
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *service) runDigest(ctx context.Context, sched *model.DigestSchedule, now time.Time) (bool, error) {
	claimedAt := sched.NextRunAt
	next := sched.NextOccurrence(now)
	won, err := s.digests.AdvanceSchedule(ctx, sched.UserID, claimedAt, next, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim digest schedule: %w", err)
	}
	if !won {
		return false, nil
	}

	rollback := func() {
		var prev time.Time
		if sched.LastRunAt != nil {
			prev = *sched.LastRunAt
		}
		if _, err := s.digests.AdvanceSchedule(ctx, sched.UserID, next, claimedAt, prev); err != nil {
			s.logger.Error(err, "failed to roll back digest claim", "user_id", sched.UserID)
		}
	}

	items, err := s.digests.ItemsBetween(ctx, sched.UserID, sched.LastRunAt, now)
	if err != nil {
		rollback()
		return false, fmt.Errorf("failed to load digest items: %w", err)
	}
	if len(items) == 0 {
		return false, nil
	}

	n, err := s.composer.ComposeDigest(ctx, sched, items, now)
	if err != nil {
		rollback()
		return false, fmt.Errorf("failed to compose digest: %w", err)
	}
	if n == nil {
		return false, nil
	}
	if err := s.Schedule(ctx, n, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		rollback()
		return false, err
	}
	s.logger.Info("digest scheduled", "user_id", sched.UserID, "items", len(items), "notification_id", n.ID)
	return true, nil
}
