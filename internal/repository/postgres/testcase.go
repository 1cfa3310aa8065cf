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

// TestCaseRepository stores action-based test cases. Steps are JSONB; the
// suite name is relational so discovery can group by it.
type TestCaseRepository struct {
	db *sqlx.DB
}

// NewTestCaseRepository creates a new test case repository.
func NewTestCaseRepository(db *sqlx.DB) *TestCaseRepository {
	return &TestCaseRepository{db: db}
}

type testCaseRow struct {
	ID        uuid.UUID `db:"id"`
	ProjectID uuid.UUID `db:"project_id"`
	Name      string    `db:"name"`
	SuiteName string    `db:"suite_name"`
	Tags      []byte    `db:"tags"`
	Steps     []byte    `db:"steps"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *testCaseRow) toDomain() (*domain.ActionTestCase, error) {
	tc := &domain.ActionTestCase{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Name:      r.Name,
		SuiteName: r.SuiteName,
		CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal(r.Tags, &tc.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Steps, &tc.Steps); err != nil {
		return nil, err
	}
	return tc, nil
}

// Create inserts a test case.
func (r *TestCaseRepository) Create(ctx context.Context, tc *domain.ActionTestCase) error {
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}

	tags, err := json.Marshal(emptyIfNilStrings(tc.Tags))
	if err != nil {
		return err
	}
	steps, err := json.Marshal(emptyIfNilTestSteps(tc.Steps))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO test_cases (id, project_id, name, suite_name, tags, steps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		tc.ID, tc.ProjectID, tc.Name, tc.SuiteName, tags, steps, tc.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.NewNotFoundError("project", tc.ProjectID.String())
		}
		return err
	}
	return nil
}

// GetByID retrieves one test case.
func (r *TestCaseRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ActionTestCase, error) {
	query := `
		SELECT id, project_id, name, suite_name, tags, steps, created_at
		FROM test_cases WHERE id = $1
	`
	var row testCaseRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("test case", id.String())
		}
		return nil, err
	}
	return row.toDomain()
}

// ListByProject returns a project's test cases, oldest first.
func (r *TestCaseRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]domain.ActionTestCase, error) {
	query := `
		SELECT id, project_id, name, suite_name, tags, steps, created_at
		FROM test_cases WHERE project_id = $1 ORDER BY created_at
	`
	var rows []testCaseRow
	if err := r.db.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, err
	}
	cases := make([]domain.ActionTestCase, 0, len(rows))
	for i := range rows {
		tc, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		cases = append(cases, *tc)
	}
	return cases, nil
}

// ListBySuite returns one suite's test cases within a project.
func (r *TestCaseRepository) ListBySuite(ctx context.Context, projectID uuid.UUID, suiteName string) ([]domain.ActionTestCase, error) {
	query := `
		SELECT id, project_id, name, suite_name, tags, steps, created_at
		FROM test_cases WHERE project_id = $1 AND suite_name = $2 ORDER BY created_at
	`
	var rows []testCaseRow
	if err := r.db.SelectContext(ctx, &rows, query, projectID, suiteName); err != nil {
		return nil, err
	}
	cases := make([]domain.ActionTestCase, 0, len(rows))
	for i := range rows {
		tc, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		cases = append(cases, *tc)
	}
	return cases, nil
}

// Update rewrites a test case's content.
func (r *TestCaseRepository) Update(ctx context.Context, tc *domain.ActionTestCase) error {
	tags, err := json.Marshal(emptyIfNilStrings(tc.Tags))
	if err != nil {
		return err
	}
	steps, err := json.Marshal(emptyIfNilTestSteps(tc.Steps))
	if err != nil {
		return err
	}

	query := `
		UPDATE test_cases SET name = $2, suite_name = $3, tags = $4, steps = $5
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, tc.ID, tc.Name, tc.SuiteName, tags, steps)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NewNotFoundError("test case", tc.ID.String())
	}
	return nil
}

// Delete removes one test case.
func (r *TestCaseRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM test_cases WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NewNotFoundError("test case", id.String())
	}
	return nil
}

func emptyIfNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func emptyIfNilTestSteps(in []domain.TestStep) []domain.TestStep {
	if in == nil {
		return []domain.TestStep{}
	}
	return in
}
