package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/testforge/autopilot/internal/domain"
)

// FeatureRepository stores behavior features and their scenarios. Scenario
// bodies live as JSONB; the relational shape only carries what discovery
// filters on.
type FeatureRepository struct {
	db *sqlx.DB
}

// NewFeatureRepository creates a new feature repository.
func NewFeatureRepository(db *sqlx.DB) *FeatureRepository {
	return &FeatureRepository{db: db}
}

type featureRow struct {
	ID          uuid.UUID `db:"id"`
	ProjectID   uuid.UUID `db:"project_id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Background  []byte    `db:"background"`
	Scenarios   []byte    `db:"scenarios"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *featureRow) toDomain() (*domain.Feature, error) {
	f := &domain.Feature{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
	}
	if err := json.Unmarshal(r.Background, &f.Background); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Scenarios, &f.Scenarios); err != nil {
		return nil, err
	}
	return f, nil
}

// Create inserts a feature with its scenarios.
func (r *FeatureRepository) Create(ctx context.Context, feature *domain.Feature) error {
	if feature.ID == uuid.Nil {
		feature.ID = uuid.New()
	}
	if feature.CreatedAt.IsZero() {
		feature.CreatedAt = time.Now().UTC()
	}
	for i := range feature.Scenarios {
		if feature.Scenarios[i].ID == uuid.Nil {
			feature.Scenarios[i].ID = uuid.New()
		}
	}

	background, err := json.Marshal(emptyIfNilSteps(feature.Background))
	if err != nil {
		return err
	}
	scenarios, err := json.Marshal(emptyIfNilScenarios(feature.Scenarios))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO features (id, project_id, name, description, background, scenarios, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		feature.ID, feature.ProjectID, feature.Name, feature.Description,
		background, scenarios, feature.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflictError("feature " + feature.Name + " already exists in project")
		}
		if isForeignKeyViolation(err) {
			return domain.NewNotFoundError("project", feature.ProjectID.String())
		}
		return err
	}
	return nil
}

// GetByID retrieves one feature.
func (r *FeatureRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Feature, error) {
	query := `
		SELECT id, project_id, name, description, background, scenarios, created_at
		FROM features WHERE id = $1
	`
	var row featureRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("feature", id.String())
		}
		return nil, err
	}
	return row.toDomain()
}

// ListByProject returns a project's features, oldest first.
func (r *FeatureRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]domain.Feature, error) {
	query := `
		SELECT id, project_id, name, description, background, scenarios, created_at
		FROM features WHERE project_id = $1 ORDER BY created_at
	`
	var rows []featureRow
	if err := r.db.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, err
	}
	features := make([]domain.Feature, 0, len(rows))
	for i := range rows {
		f, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		features = append(features, *f)
	}
	return features, nil
}

// Update rewrites a feature's content.
func (r *FeatureRepository) Update(ctx context.Context, feature *domain.Feature) error {
	background, err := json.Marshal(emptyIfNilSteps(feature.Background))
	if err != nil {
		return err
	}
	scenarios, err := json.Marshal(emptyIfNilScenarios(feature.Scenarios))
	if err != nil {
		return err
	}

	query := `
		UPDATE features SET name = $2, description = $3, background = $4, scenarios = $5
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		feature.ID, feature.Name, feature.Description, background, scenarios)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NewNotFoundError("feature", feature.ID.String())
	}
	return nil
}

// Delete removes one feature.
func (r *FeatureRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM features WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NewNotFoundError("feature", id.String())
	}
	return nil
}

func emptyIfNilSteps(in []domain.BehaviorStep) []domain.BehaviorStep {
	if in == nil {
		return []domain.BehaviorStep{}
	}
	return in
}

func emptyIfNilScenarios(in []domain.BehaviorScenario) []domain.BehaviorScenario {
	if in == nil {
		return []domain.BehaviorScenario{}
	}
	return in
}
