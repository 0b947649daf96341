package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/lib/pq"
)

// jsonb stores a value in a JSONB column.
type jsonb[T any] struct {
	V T
}

func (j jsonb[T]) Value() (driver.Value, error) {
	return json.Marshal(j.V)
}

func (j *jsonb[T]) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, &j.V)
	case string:
		return json.Unmarshal([]byte(v), &j.V)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
}

type channelStates = map[model.Channel]model.ChannelState

type notificationRow struct {
	ID            string               `db:"id"`
	UserID        string               `db:"user_id"`
	WorkspaceID   string               `db:"workspace_id"`
	Type          string               `db:"type"`
	ChannelStates jsonb[channelStates] `db:"channel_states"`
	TemplateID    string               `db:"template_id"`
	VariantID     *string              `db:"variant_id"`
	TestID        *string              `db:"test_id"`
	BatchKey      *string              `db:"batch_key"`
	EntityType    string               `db:"entity_type"`
	EntityID      string               `db:"entity_id"`
	Payload       jsonb[model.Payload] `db:"payload"`
	ScheduledFor  time.Time            `db:"scheduled_for"`
	Status        string               `db:"status"`
	Attempts      int                  `db:"attempts"`
	LastError     string               `db:"last_error"`
	CreatedAt     time.Time            `db:"created_at"`
	UpdatedAt     time.Time            `db:"updated_at"`
	ReadAt        *time.Time           `db:"read_at"`
}

func toNotificationRow(n *model.Notification) notificationRow {
	states := n.ChannelStates
	if states == nil {
		states = channelStates{}
	}
	return notificationRow{
		ID:            n.ID,
		UserID:        n.UserID,
		WorkspaceID:   n.WorkspaceID,
		Type:          string(n.Type),
		ChannelStates: jsonb[channelStates]{V: states},
		TemplateID:    n.TemplateID,
		VariantID:     n.VariantID,
		TestID:        n.TestID,
		BatchKey:      n.BatchKey,
		EntityType:    n.EntityType,
		EntityID:      n.EntityID,
		Payload:       jsonb[model.Payload]{V: n.Payload},
		ScheduledFor:  n.ScheduledFor,
		Status:        string(n.Status),
		Attempts:      n.Attempts,
		LastError:     n.LastError,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
		ReadAt:        n.ReadAt,
	}
}

func (r notificationRow) model() *model.Notification {
	return &model.Notification{
		ID:            r.ID,
		UserID:        r.UserID,
		WorkspaceID:   r.WorkspaceID,
		Type:          model.EventType(r.Type),
		ChannelStates: r.ChannelStates.V,
		TemplateID:    r.TemplateID,
		VariantID:     r.VariantID,
		TestID:        r.TestID,
		BatchKey:      r.BatchKey,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		Payload:       r.Payload.V,
		ScheduledFor:  r.ScheduledFor,
		Status:        model.NotificationStatus(r.Status),
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		ReadAt:        r.ReadAt,
	}
}

const notificationColumns = `id, user_id, workspace_id, type, channel_states, template_id,
	variant_id, test_id, batch_key, entity_type, entity_id, payload, scheduled_for,
	status, attempts, last_error, created_at, updated_at, read_at`

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES (
			:id, :user_id, :workspace_id, :type, :channel_states, :template_id,
			:variant_id, :test_id, :batch_key, :entity_type, :entity_id, :payload, :scheduled_for,
			:status, :attempts, :last_error, :created_at, :updated_at, :read_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, toNotificationRow(n)); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) Get(ctx context.Context, id string) (*model.Notification, error) {
	var row notificationRow
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

func (r *notificationRepository) Update(ctx context.Context, n *model.Notification) error {
	query := `
		UPDATE notifications SET
			channel_states = :channel_states,
			template_id = :template_id,
			variant_id = :variant_id,
			test_id = :test_id,
			payload = :payload,
			scheduled_for = :scheduled_for,
			status = :status,
			attempts = :attempts,
			last_error = :last_error,
			updated_at = :updated_at,
			read_at = :read_at
		WHERE id = :id
	`
	res, err := r.db.NamedExecContext(ctx, query, toNotificationRow(n))
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
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

// ClaimDue relies on SKIP LOCKED so concurrent sweepers never see the same row.
func (r *notificationRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'released', updated_at = $1
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'scheduled' AND scheduled_for <= $1
			ORDER BY scheduled_for
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + notificationColumns

	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	out := make([]*model.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

func (r *notificationRepository) Transition(ctx context.Context, id string, from []model.NotificationStatus, to model.NotificationStatus, at time.Time) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)
	`, string(to), at, id, pq.Array(states))
	if err != nil {
		return false, fmt.Errorf("failed to transition notification: %w", err)
	}
	count, err := affected(res)
	if err != nil {
		return false, err
	}
	if count == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id); err != nil {
		return false, err
	}
	if !exists {
		return false, repository.ErrNotFound
	}
	return false, nil
}

func (r *notificationRepository) CancelByEntity(ctx context.Context, entityType, entityID string, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'cancelled', updated_at = $1
		WHERE status = 'scheduled' AND entity_type = $2 AND entity_id = $3
	`, at, entityType, entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel notifications: %w", err)
	}
	return affected(res)
}

func (r *notificationRepository) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'scheduled', scheduled_for = $1, updated_at = $1
		WHERE status = 'released' AND updated_at < $2
	`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale notifications: %w", err)
	}
	return affected(res)
}

// whereBuilder numbers placeholders as conditions are added.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *whereBuilder) String() string {
	return strings.Join(w.conds, " AND ")
}

func filterWhere(f model.NotificationFilter) *whereBuilder {
	w := &whereBuilder{}
	w.add("user_id = ?", f.UserID)
	w.add("status IN ('dispatched', 'read', 'dismissed', 'archived')")
	if f.UnreadOnly {
		w.add("read_at IS NULL")
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		w.add("type = ANY(?)", pq.Array(types))
	}
	if f.Before != nil {
		w.add("created_at < ?", *f.Before)
	}
	return w
}

func (r *notificationRepository) List(ctx context.Context, filter model.NotificationFilter) ([]*model.Notification, int, error) {
	w := filterWhere(filter)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM notifications WHERE `+w.String(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + w.String() +
		` ORDER BY created_at DESC, id DESC`
	args := w.args
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	out := make([]*model.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, total, nil
}

// ApplyBulk evaluates the selection inside the statement so the filter sees
// the rows as of execution.
func (r *notificationRepository) ApplyBulk(ctx context.Context, action *model.BulkAction, at time.Time) (int, error) {
	filter := model.NotificationFilter{}
	if action.Filter != nil {
		filter = *action.Filter
	}
	filter.UserID = action.UserID
	w := filterWhere(filter)
	if len(action.NotificationIDs) > 0 {
		w.add("id = ANY(?)", pq.Array(action.NotificationIDs))
	}

	var stmt string
	switch action.Type {
	case model.BulkActionMarkRead:
		w.add("read_at IS NULL")
		w.args = append(w.args, at)
		stmt = fmt.Sprintf(`UPDATE notifications SET
			read_at = $%[1]d,
			status = CASE WHEN status = 'dispatched' THEN 'read' ELSE status END,
			updated_at = $%[1]d
			WHERE %[2]s`, len(w.args), w.String())
	case model.BulkActionArchive:
		w.add("status <> 'archived'")
		w.args = append(w.args, at)
		stmt = fmt.Sprintf(`UPDATE notifications SET status = 'archived', updated_at = $%d WHERE %s`,
			len(w.args), w.String())
	case model.BulkActionDelete:
		stmt = `DELETE FROM notifications WHERE ` + w.String()
	default:
		return 0, fmt.Errorf("unknown bulk action %q", action.Type)
	}

	var count int
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, w.args...)
		if err != nil {
			return err
		}
		count, err = affected(res)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply bulk %s: %w", action.Type, err)
	}
	return count, nil
}
