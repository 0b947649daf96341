package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type digestRepository struct {
	BaseRepository
}

func NewDigestRepository(base BaseRepository) repository.DigestRepository {
	return &digestRepository{base}
}

const digestScheduleColumns = `user_id, frequency, hour, weekday, next_run_at, last_run_at`

func (r *digestRepository) UpsertSchedule(ctx context.Context, s *model.DigestSchedule) error {
	query := `
		INSERT INTO digest_schedules (` + digestScheduleColumns + `)
		VALUES (:user_id, :frequency, :hour, :weekday, :next_run_at, :last_run_at)
		ON CONFLICT (user_id) DO UPDATE
		SET frequency = EXCLUDED.frequency,
			hour = EXCLUDED.hour,
			weekday = EXCLUDED.weekday,
			next_run_at = EXCLUDED.next_run_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, s); err != nil {
		return fmt.Errorf("failed to upsert digest schedule: %w", err)
	}
	return nil
}

func (r *digestRepository) GetSchedule(ctx context.Context, userID string) (*model.DigestSchedule, error) {
	var s model.DigestSchedule
	query := `SELECT ` + digestScheduleColumns + ` FROM digest_schedules WHERE user_id = $1`
	if err := r.db.GetContext(ctx, &s, query, userID); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *digestRepository) DeleteSchedule(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM digest_schedules WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete digest schedule: %w", err)
	}
	return nil
}

func (r *digestRepository) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*model.DigestSchedule, error) {
	query := `
		SELECT ` + digestScheduleColumns + `
		FROM digest_schedules
		WHERE next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
	`
	var out []*model.DigestSchedule
	if err := r.db.SelectContext(ctx, &out, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due digests: %w", err)
	}
	return out, nil
}

func (r *digestRepository) AdvanceSchedule(ctx context.Context, userID string, expected, next, lastRun time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE digest_schedules SET next_run_at = $1, last_run_at = $2
		WHERE user_id = $3 AND next_run_at = $4
	`, next, lastRun, userID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to advance digest schedule: %w", err)
	}
	count, err := affected(res)
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

func (r *digestRepository) AddItem(ctx context.Context, item *model.DigestItem) error {
	query := `
		INSERT INTO digest_items (id, user_id, event_type, summary, occurred_at)
		VALUES (:id, :user_id, :event_type, :summary, :occurred_at)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("failed to add digest item: %w", err)
	}
	return nil
}

func (r *digestRepository) ItemsBetween(ctx context.Context, userID string, from *time.Time, to time.Time) ([]*model.DigestItem, error) {
	query := `
		SELECT id, user_id, event_type, summary, occurred_at
		FROM digest_items
		WHERE user_id = $1 AND occurred_at <= $2 AND ($3::timestamptz IS NULL OR occurred_at > $3)
		ORDER BY occurred_at
	`
	var out []*model.DigestItem
	if err := r.db.SelectContext(ctx, &out, query, userID, to, from); err != nil {
		return nil, fmt.Errorf("failed to list digest items: %w", err)
	}
	return out, nil
}
