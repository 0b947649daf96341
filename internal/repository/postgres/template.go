package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
)

type templateRow struct {
	ID               string                 `db:"id"`
	Name             string                 `db:"name"`
	Type             string                 `db:"type"`
	Version          int                    `db:"version"`
	DefaultVariantID string                 `db:"default_variant_id"`
	Variants         jsonb[[]model.Variant] `db:"variants"`
	CreatedAt        time.Time              `db:"created_at"`
}

type templateRepository struct {
	BaseRepository
}

func NewTemplateRepository(base BaseRepository) repository.TemplateRepository {
	return &templateRepository{base}
}

func (r *templateRepository) Get(ctx context.Context, id string) (*model.Template, error) {
	query := `
		SELECT id, name, type, version, default_variant_id, variants, created_at
		FROM templates WHERE id = $1
	`
	var row templateRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return &model.Template{
		ID:               row.ID,
		Name:             row.Name,
		Type:             model.EventType(row.Type),
		Version:          row.Version,
		DefaultVariantID: row.DefaultVariantID,
		Variants:         row.Variants.V,
		CreatedAt:        row.CreatedAt,
	}, nil
}

func (r *templateRepository) Save(ctx context.Context, t *model.Template) error {
	query := `
		INSERT INTO templates (id, name, type, version, default_variant_id, variants, created_at)
		VALUES (:id, :name, :type, :version, :default_variant_id, :variants, :created_at)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			type = EXCLUDED.type,
			version = EXCLUDED.version,
			default_variant_id = EXCLUDED.default_variant_id,
			variants = EXCLUDED.variants
	`
	row := templateRow{
		ID:               t.ID,
		Name:             t.Name,
		Type:             string(t.Type),
		Version:          t.Version,
		DefaultVariantID: t.DefaultVariantID,
		Variants:         jsonb[[]model.Variant]{V: t.Variants},
		CreatedAt:        t.CreatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

type abTestRow struct {
	ID         string     `db:"id"`
	TemplateID string     `db:"template_id"`
	Status     string     `db:"status"`
	StartAt    *time.Time `db:"start_at"`
	EndAt      *time.Time `db:"end_at"`
	Policy     string     `db:"policy"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (r abTestRow) model() *model.ABTest {
	return &model.ABTest{
		ID:         r.ID,
		TemplateID: r.TemplateID,
		Status:     model.ABTestStatus(r.Status),
		StartAt:    r.StartAt,
		EndAt:      r.EndAt,
		Policy:     model.AssignmentPolicy(r.Policy),
		CreatedAt:  r.CreatedAt,
	}
}

const abTestColumns = `id, template_id, status, start_at, end_at, policy, created_at`

type abTestRepository struct {
	BaseRepository
}

func NewABTestRepository(base BaseRepository) repository.ABTestRepository {
	return &abTestRepository{base}
}

func (r *abTestRepository) Create(ctx context.Context, test *model.ABTest) error {
	query := `INSERT INTO ab_tests (` + abTestColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query,
		test.ID, test.TemplateID, test.Status, test.StartAt, test.EndAt, test.Policy, test.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to create ab test: %w", err)
	}
	return nil
}

func (r *abTestRepository) Get(ctx context.Context, id string) (*model.ABTest, error) {
	var row abTestRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+abTestColumns+` FROM ab_tests WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

// Update relies on the partial unique index to reject a second running test
// for the same template.
func (r *abTestRepository) Update(ctx context.Context, test *model.ABTest) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ab_tests SET status = $1, start_at = $2, end_at = $3, policy = $4
		WHERE id = $5
	`, test.Status, test.StartAt, test.EndAt, test.Policy, test.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to update ab test: %w", err)
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

func (r *abTestRepository) ActiveForTemplate(ctx context.Context, templateID string) (*model.ABTest, error) {
	var row abTestRow
	query := `SELECT ` + abTestColumns + ` FROM ab_tests WHERE template_id = $1 AND status = 'running'`
	if err := r.db.GetContext(ctx, &row, query, templateID); err != nil {
		return nil, notFound(err)
	}
	return row.model(), nil
}

func (r *abTestRepository) GetAssignment(ctx context.Context, testID, userID string) (*model.Assignment, error) {
	var a model.Assignment
	query := `
		SELECT test_id, user_id, variant_id, assigned_at
		FROM ab_assignments WHERE test_id = $1 AND user_id = $2
	`
	if err := r.db.GetContext(ctx, &a, query, testID, userID); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// CreateAssignment inserts or, on conflict, reads back the row that won.
func (r *abTestRepository) CreateAssignment(ctx context.Context, a *model.Assignment) (*model.Assignment, error) {
	query := `
		INSERT INTO ab_assignments (test_id, user_id, variant_id, assigned_at)
		VALUES (:test_id, :user_id, :variant_id, :assigned_at)
		ON CONFLICT (test_id, user_id) DO NOTHING
	`
	if _, err := r.db.NamedExecContext(ctx, query, a); err != nil {
		return nil, fmt.Errorf("failed to create assignment: %w", err)
	}
	return r.GetAssignment(ctx, a.TestID, a.UserID)
}

func (r *abTestRepository) HasAssignments(ctx context.Context, templateID string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM ab_assignments a
			JOIN ab_tests t ON t.id = a.test_id
			WHERE t.template_id = $1
		)
	`
	if err := r.db.GetContext(ctx, &exists, query, templateID); err != nil {
		return false, fmt.Errorf("failed to check assignments: %w", err)
	}
	return exists, nil
}
