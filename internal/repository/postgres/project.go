package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/testforge/autopilot/internal/domain"
)

// ProjectRepository stores the projects discovery enumerates.
type ProjectRepository struct {
	db *sqlx.DB
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create inserts a new project.
func (r *ProjectRepository) Create(ctx context.Context, project *domain.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	query := `
		INSERT INTO projects (id, name, base_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		project.ID, project.Name, project.BaseURL, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflictError("project " + project.Name + " already exists")
		}
		return err
	}
	return nil
}

// GetByID retrieves a project by ID.
func (r *ProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	query := `SELECT id, name, base_url, created_at, updated_at FROM projects WHERE id = $1`

	var project domain.Project
	if err := r.db.GetContext(ctx, &project, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("project", id.String())
		}
		return nil, err
	}
	return &project, nil
}

// List returns all projects, oldest first.
func (r *ProjectRepository) List(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT id, name, base_url, created_at, updated_at FROM projects ORDER BY created_at`

	var projects []domain.Project
	if err := r.db.SelectContext(ctx, &projects, query); err != nil {
		return nil, err
	}
	return projects, nil
}

// Update rewrites a project's name and base URL.
func (r *ProjectRepository) Update(ctx context.Context, project *domain.Project) error {
	query := `UPDATE projects SET name = $2, base_url = $3, updated_at = $4 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query,
		project.ID, project.Name, project.BaseURL, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflictError("project " + project.Name + " already exists")
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NewNotFoundError("project", project.ID.String())
	}
	return nil
}

// Delete removes a project and, via cascade, its features and test cases.
func (r *ProjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NewNotFoundError("project", id.String())
	}
	return nil
}

// ExistsByName checks whether a project name is taken.
func (r *ProjectRepository) ExistsByName(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM projects WHERE name = $1)`, name)
	return exists, err
}
