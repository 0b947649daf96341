package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/lib/pq"
)

type preferenceRepository struct {
	BaseRepository
}

func NewPreferenceRepository(base BaseRepository) repository.PreferenceRepository {
	return &preferenceRepository{base}
}

func (r *preferenceRepository) Get(ctx context.Context, userID string, channel model.Channel, t model.EventType) (*model.Preference, error) {
	query := `
		SELECT user_id, channel, type, enabled, frequency, updated_at
		FROM preferences
		WHERE user_id = $1 AND channel = $2 AND type = $3
	`
	var p model.Preference
	if err := r.db.GetContext(ctx, &p, query, userID, channel, t); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *preferenceRepository) List(ctx context.Context, userID string) ([]*model.Preference, error) {
	query := `
		SELECT user_id, channel, type, enabled, frequency, updated_at
		FROM preferences
		WHERE user_id = $1
		ORDER BY type, channel
	`
	var prefs []*model.Preference
	if err := r.db.SelectContext(ctx, &prefs, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	return prefs, nil
}

func (r *preferenceRepository) Upsert(ctx context.Context, p *model.Preference) error {
	query := `
		INSERT INTO preferences (user_id, channel, type, enabled, frequency, updated_at)
		VALUES (:user_id, :channel, :type, :enabled, :frequency, :updated_at)
		ON CONFLICT (user_id, channel, type) DO UPDATE
		SET enabled = EXCLUDED.enabled, frequency = EXCLUDED.frequency, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, p); err != nil {
		return fmt.Errorf("failed to upsert preference: %w", err)
	}
	return nil
}

type workspacePolicyRow struct {
	WorkspaceID      string         `db:"workspace_id"`
	Type             string         `db:"type"`
	Suppressed       bool           `db:"suppressed"`
	DisabledChannels pq.StringArray `db:"disabled_channels"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *preferenceRepository) GetWorkspacePolicy(ctx context.Context, workspaceID string, t model.EventType) (*model.WorkspacePolicy, error) {
	query := `
		SELECT workspace_id, type, suppressed, disabled_channels, updated_at
		FROM workspace_policies
		WHERE workspace_id = $1 AND type = $2
	`
	var row workspacePolicyRow
	if err := r.db.GetContext(ctx, &row, query, workspaceID, t); err != nil {
		return nil, notFound(err)
	}
	p := &model.WorkspacePolicy{
		WorkspaceID: row.WorkspaceID,
		Type:        model.EventType(row.Type),
		Suppressed:  row.Suppressed,
		UpdatedAt:   row.UpdatedAt,
	}
	for _, ch := range row.DisabledChannels {
		p.DisabledChannels = append(p.DisabledChannels, model.Channel(ch))
	}
	return p, nil
}

func (r *preferenceRepository) UpsertWorkspacePolicy(ctx context.Context, p *model.WorkspacePolicy) error {
	channels := make(pq.StringArray, 0, len(p.DisabledChannels))
	for _, ch := range p.DisabledChannels {
		channels = append(channels, string(ch))
	}
	query := `
		INSERT INTO workspace_policies (workspace_id, type, suppressed, disabled_channels, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id, type) DO UPDATE
		SET suppressed = EXCLUDED.suppressed,
			disabled_channels = EXCLUDED.disabled_channels,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, p.WorkspaceID, p.Type, p.Suppressed, channels, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert workspace policy: %w", err)
	}
	return nil
}
