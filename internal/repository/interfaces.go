package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/notify/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// All repository interfaces in one file
type (
	NotificationRepository interface {
		Create(ctx context.Context, n *model.Notification) error
		Get(ctx context.Context, id string) (*model.Notification, error)
		Update(ctx context.Context, n *model.Notification) error
		// ClaimDue moves up to limit due notifications from scheduled to
		// released and returns them. A notification is returned to exactly
		// one caller.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
		// Transition changes the status only if the current status is one of
		// from. It reports whether this call performed the change.
		Transition(ctx context.Context, id string, from []model.NotificationStatus, to model.NotificationStatus, at time.Time) (bool, error)
		CancelByEntity(ctx context.Context, entityType, entityID string, at time.Time) (int, error)
		// RequeueStale puts notifications left released since before cutoff
		// back on the schedule, due at now.
		RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error)
		List(ctx context.Context, filter model.NotificationFilter) ([]*model.Notification, int, error)
		// ApplyBulk runs the action atomically and returns the affected count.
		ApplyBulk(ctx context.Context, action *model.BulkAction, at time.Time) (int, error)
	}

	BulkActionRepository interface {
		Create(ctx context.Context, action *model.BulkAction) error
		Update(ctx context.Context, action *model.BulkAction) error
		Get(ctx context.Context, id string) (*model.BulkAction, error)
	}

	PreferenceRepository interface {
		Get(ctx context.Context, userID string, channel model.Channel, t model.EventType) (*model.Preference, error)
		List(ctx context.Context, userID string) ([]*model.Preference, error)
		Upsert(ctx context.Context, p *model.Preference) error
		GetWorkspacePolicy(ctx context.Context, workspaceID string, t model.EventType) (*model.WorkspacePolicy, error)
		UpsertWorkspacePolicy(ctx context.Context, p *model.WorkspacePolicy) error
	}

	TemplateRepository interface {
		Get(ctx context.Context, id string) (*model.Template, error)
		Save(ctx context.Context, t *model.Template) error
	}

	ABTestRepository interface {
		Create(ctx context.Context, test *model.ABTest) error
		Get(ctx context.Context, id string) (*model.ABTest, error)
		Update(ctx context.Context, test *model.ABTest) error
		ActiveForTemplate(ctx context.Context, templateID string) (*model.ABTest, error)
		GetAssignment(ctx context.Context, testID, userID string) (*model.Assignment, error)
		// CreateAssignment inserts the assignment unless one exists and
		// returns whichever row is stored.
		CreateAssignment(ctx context.Context, a *model.Assignment) (*model.Assignment, error)
		HasAssignments(ctx context.Context, templateID string) (bool, error)
	}

	BatchRepository interface {
		// Append creates the window if absent, else appends, as one atomic step.
		Append(ctx context.Context, req BatchAppend) (BatchAppendResult, error)
		// Take removes the window and returns it with cancelled events
		// dropped. Returns nil when the window was already taken.
		Take(ctx context.Context, userID, batchKey string) (*model.BatchWindow, error)
		// TakeDue may return the windows it took together with an error when
		// it fails part way; callers own those windows either way.
		TakeDue(ctx context.Context, now time.Time, limit int) ([]*model.BatchWindow, error)
		// Restore puts back the events of a taken window ahead of any events
		// appended since. The window is due at flushAt, or earlier if the
		// window already in place is due earlier.
		Restore(ctx context.Context, w *model.BatchWindow, flushAt time.Time) error
		CancelEntity(ctx context.Context, entityType, entityID string) (int, error)
	}

	DigestRepository interface {
		UpsertSchedule(ctx context.Context, s *model.DigestSchedule) error
		GetSchedule(ctx context.Context, userID string) (*model.DigestSchedule, error)
		DeleteSchedule(ctx context.Context, userID string) error
		DueSchedules(ctx context.Context, now time.Time, limit int) ([]*model.DigestSchedule, error)
		// AdvanceSchedule moves NextRunAt from expected to next and records
		// lastRun. It reports false if another runner already advanced it.
		AdvanceSchedule(ctx context.Context, userID string, expected, next, lastRun time.Time) (bool, error)
		AddItem(ctx context.Context, item *model.DigestItem) error
		ItemsBetween(ctx context.Context, userID string, from *time.Time, to time.Time) ([]*model.DigestItem, error)
	}

	PushTokenRepository interface {
		Register(ctx context.Context, t *model.PushToken) error
		Unregister(ctx context.Context, userID, token string) error
		ListByUser(ctx context.Context, userID string) ([]*model.PushToken, error)
		DeleteToken(ctx context.Context, token string) error
	}

	// ContactRepository maps users to email addresses. Addresses are synced
	// from token claims by the API.
	ContactRepository interface {
		EmailFor(ctx context.Context, userID string) (string, error)
		SetEmail(ctx context.Context, userID, email string) error
	}

	AnalyticsRepository interface {
		Append(ctx context.Context, events []model.DeliveryEvent) error
		Query(ctx context.Context, q model.DeliveryEventQuery) ([]model.DeliveryEvent, error)
	}
)

type BatchAppend struct {
	UserID    string
	BatchKey  string
	Type      model.EventType
	Event     model.NotificationEvent
	Now       time.Time
	Window    time.Duration
	Sliding   bool
	MaxWindow time.Duration
}

type BatchAppendResult struct {
	Created bool
	FlushAt time.Time
	Size    int
}

// FlushDeadline computes the window deadline after an append.
func (a BatchAppend) FlushDeadline(openedAt, current time.Time, created bool) time.Time {
	if created {
		return a.Now.Add(a.Window)
	}
	if !a.Sliding {
		return current
	}
	next := a.Now.Add(a.Window)
	if a.MaxWindow > 0 {
		if limit := openedAt.Add(a.MaxWindow); next.After(limit) {
			next = limit
		}
	}
	if next.Before(current) {
		return current
	}
	return next
}
