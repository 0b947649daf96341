package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type pushTokenRepository struct {
	BaseRepository
}

func NewPushTokenRepository(base BaseRepository) repository.PushTokenRepository {
	return &pushTokenRepository{base}
}

// Register binds the token to the user, moving it if another user held it.
func (r *pushTokenRepository) Register(ctx context.Context, t *model.PushToken) error {
	query := `
		INSERT INTO push_tokens (token, user_id, platform, created_at)
		VALUES (:token, :user_id, :platform, :created_at)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform, created_at = EXCLUDED.created_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, t); err != nil {
		return fmt.Errorf("failed to register push token: %w", err)
	}
	return nil
}

func (r *pushTokenRepository) Unregister(ctx context.Context, userID, token string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = $1 AND user_id = $2`, token, userID)
	if err != nil {
		return fmt.Errorf("failed to unregister push token: %w", err)
	}
	rows, err := affected(result)
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *pushTokenRepository) ListByUser(ctx context.Context, userID string) ([]*model.PushToken, error) {
	var tokens []*model.PushToken
	query := `
		SELECT token, user_id, platform, created_at
		FROM push_tokens WHERE user_id = $1
		ORDER BY created_at
	`
	if err := r.db.SelectContext(ctx, &tokens, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}
	return tokens, nil
}

func (r *pushTokenRepository) DeleteToken(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = $1`, token); err != nil {
		return fmt.Errorf("failed to delete push token: %w", err)
	}
	return nil
}

type contactRepository struct {
	BaseRepository
}

func NewContactRepository(base BaseRepository) repository.ContactRepository {
	return &contactRepository{base}
}

func (r *contactRepository) EmailFor(ctx context.Context, userID string) (string, error) {
	var email string
	if err := r.db.GetContext(ctx, &email, `SELECT email FROM user_contacts WHERE user_id = $1`, userID); err != nil {
		return "", notFound(err)
	}
	return email, nil
}

func (r *contactRepository) SetEmail(ctx context.Context, userID, email string) error {
	query := `
		INSERT INTO user_contacts (user_id, email, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email, updated_at = NOW()
		WHERE user_contacts.email <> EXCLUDED.email
	`
	if _, err := r.db.ExecContext(ctx, query, userID, email); err != nil {
		return fmt.Errorf("failed to store contact: %w", err)
	}
	return nil
}
