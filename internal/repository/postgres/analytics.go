package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

// NewPool opens the pgx pool used by the analytics writer.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// analyticsRepository writes delivery events through pgx so a flush of many
// events goes out as one round trip.
type analyticsRepository struct {
	pool *pgxpool.Pool
}

func NewAnalyticsRepository(pool *pgxpool.Pool) repository.AnalyticsRepository {
	return &analyticsRepository{pool: pool}
}

func (r *analyticsRepository) Append(ctx context.Context, events []model.DeliveryEvent) error {
	if len(events) == 0 {
		return nil
	}
	query := `
		INSERT INTO delivery_events (
			notification_id, user_id, template_id, variant_id, test_id, channel, kind, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(query,
			ev.NotificationID, ev.UserID, ev.TemplateID, ev.VariantID, ev.TestID,
			string(ev.Channel), string(ev.Kind), ev.OccurredAt)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert delivery event %d: %w", i, err)
		}
	}
	return nil
}

func (r *analyticsRepository) Query(ctx context.Context, q model.DeliveryEventQuery) ([]model.DeliveryEvent, error) {
	w := &whereBuilder{}
	w.add("TRUE")
	if q.TemplateID != "" {
		w.add("template_id = ?", q.TemplateID)
	}
	if q.TestID != "" {
		w.add("test_id = ?", q.TestID)
	}
	if !q.From.IsZero() {
		w.add("occurred_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		w.add("occurred_at < ?", q.To)
	}
	query := `
		SELECT notification_id, user_id, template_id, variant_id, test_id, channel, kind, occurred_at
		FROM delivery_events
		WHERE ` + w.String() + `
		ORDER BY occurred_at, id`

	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery events: %w", err)
	}
	defer rows.Close()

	out := make([]model.DeliveryEvent, 0)
	for rows.Next() {
		var (
			ev            model.DeliveryEvent
			channel, kind string
		)
		if err := rows.Scan(&ev.NotificationID, &ev.UserID, &ev.TemplateID, &ev.VariantID,
			&ev.TestID, &channel, &kind, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery event: %w", err)
		}
		ev.Channel = model.Channel(channel)
		ev.Kind = model.DeliveryKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
