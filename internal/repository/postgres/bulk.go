package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/lib/pq"
)

type bulkActionRow struct {
	ID              string                           `db:"id"`
	UserID          string                           `db:"user_id"`
	Type            string                           `db:"type"`
	Filter          jsonb[*model.NotificationFilter] `db:"filter"`
	NotificationIDs pq.StringArray                   `db:"notification_ids"`
	Status          string                           `db:"status"`
	AffectedCount   int                              `db:"affected_count"`
	Error           string                           `db:"error"`
	CreatedAt       time.Time                        `db:"created_at"`
	CompletedAt     *time.Time                       `db:"completed_at"`
}

func toBulkActionRow(a *model.BulkAction) bulkActionRow {
	ids := pq.StringArray(a.NotificationIDs)
	if ids == nil {
		ids = pq.StringArray{}
	}
	return bulkActionRow{
		ID:              a.ID,
		UserID:          a.UserID,
		Type:            string(a.Type),
		Filter:          jsonb[*model.NotificationFilter]{V: a.Filter},
		NotificationIDs: ids,
		Status:          string(a.Status),
		AffectedCount:   a.AffectedCount,
		Error:           a.Error,
		CreatedAt:       a.CreatedAt,
		CompletedAt:     a.CompletedAt,
	}
}

func (r bulkActionRow) model() *model.BulkAction {
	return &model.BulkAction{
		ID:              r.ID,
		UserID:          r.UserID,
		Type:            model.BulkActionType(r.Type),
		Filter:          r.Filter.V,
		NotificationIDs: []string(r.NotificationIDs),
		Status:          model.BulkActionStatus(r.Status),
		AffectedCount:   r.AffectedCount,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

type bulkActionRepository struct {
	BaseRepository
}

func NewBulkActionRepository(base BaseRepository) repository.BulkActionRepository {
	return &bulkActionRepository{base}
}

func (r *bulkActionRepository) Create(ctx context.Context, action *model.BulkAction) error {
	query := `
		INSERT INTO bulk_actions (
			id, user_id, type, filter, notification_ids, status,
			affected_count, error, created_at, completed_at
		) VALUES (
			:id, :user_id, :type, :filter, :notification_ids, :status,
			:affected_count, :error, :created_at, :completed_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, toBulkActionRow(action)); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to create bulk action: %w", err)
	}
	return nil
}

func (r *bulkActionRepository) Update(ctx context.Context, action *model.BulkAction) error {
	query := `
		UPDATE bulk_actions SET
			status = :status,
			affected_count = :affected_count,
			error = :error,
			completed_at = :completed_at
		WHERE id = :id
	`
	res, err := r.db.NamedExecContext(ctx, query, toBulkActionRow(action))
	if err != nil {
		return fmt.Errorf("failed to update bulk action: %w", err)
	}
	count, err := affected(res)
	if err != nil {
		return err
	}
	if count == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *bulkActionRepository) Get(ctx context.Context, id string) (*model.BulkAction, error) {
	var row bulkActionRow
	query := `
		SELECT id, user_id, type, filter, notification_ids, status,
			affected_count, error, created_at, completed_at
		FROM bulk_actions WHERE id = $1
	`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}
