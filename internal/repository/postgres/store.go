package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/testforge/autopilot/internal/domain"
)

// Catalog adapts the repositories to the enumeration interface the
// orchestrator's discovery loop consumes.
type Catalog struct {
	repos *Repositories
}

// NewCatalog builds the catalog view over a connection pool.
func NewCatalog(db *DB) *Catalog {
	return &Catalog{repos: NewRepositories(db.DB)}
}

// ListProjects returns all projects.
func (c *Catalog) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return c.repos.Projects.List(ctx)
}

// ListFeatures returns a project's behavior features.
func (c *Catalog) ListFeatures(ctx context.Context, projectID uuid.UUID) ([]domain.Feature, error) {
	return c.repos.Features.ListByProject(ctx, projectID)
}

// ListTestCases returns a project's action test cases.
func (c *Catalog) ListTestCases(ctx context.Context, projectID uuid.UUID) ([]domain.ActionTestCase, error) {
	return c.repos.TestCases.ListByProject(ctx, projectID)
}

// Repos exposes the underlying repositories for the API layer.
func (c *Catalog) Repos() *Repositories {
	return c.repos
}
