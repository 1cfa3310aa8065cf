package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/domain"
)

// setupDB connects to the database named by TEST_DATABASE_DSN. Tests are
// skipped when the variable is unset so the suite runs without
// infrastructure.
func setupDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	db, err := NewFromDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	for _, table := range []string{"report_index", "test_cases", "features", "projects"} {
		_, err := db.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE")
		require.NoError(t, err)
	}
	return db
}

func seedDBProject(t *testing.T, db *DB) *domain.Project {
	t.Helper()
	p := &domain.Project{Name: "webshop", BaseURL: "https://shop.example.com"}
	require.NoError(t, NewProjectRepository(db.DB).Create(context.Background(), p))
	return p
}

func TestProjectRoundTrip(t *testing.T) {
	db := setupDB(t)
	repo := NewProjectRepository(db.DB)
	ctx := context.Background()

	p := seedDBProject(t, db)
	require.NotEqual(t, uuid.Nil, p.ID)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "webshop", got.Name)
	assert.Equal(t, "https://shop.example.com", got.BaseURL)

	got.BaseURL = "https://shop.example.org"
	require.NoError(t, repo.Update(ctx, got))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "https://shop.example.org", all[0].BaseURL)

	require.NoError(t, repo.Delete(ctx, p.ID))
	_, err = repo.GetByID(ctx, p.ID)
	assert.True(t, domain.IsCode(err, domain.ErrCodeNotFound))
}

func TestProjectDuplicateNameConflicts(t *testing.T) {
	db := setupDB(t)
	repo := NewProjectRepository(db.DB)
	ctx := context.Background()

	seedDBProject(t, db)
	err := repo.Create(ctx, &domain.Project{Name: "webshop", BaseURL: "https://other.example.com"})
	assert.True(t, domain.IsCode(err, domain.ErrCodeConflict))
}

func TestFeatureScenariosSurviveRoundTrip(t *testing.T) {
	db := setupDB(t)
	repo := NewFeatureRepository(db.DB)
	ctx := context.Background()
	p := seedDBProject(t, db)

	f := &domain.Feature{
		ProjectID: p.ID,
		Name:      "checkout",
		Background: []domain.BehaviorStep{
			{Keyword: "given", Text: "I am logged in"},
		},
		Scenarios: []domain.BehaviorScenario{
			{Name: "guest checkout", Steps: []domain.BehaviorStep{
				{Keyword: "when", Text: "I click the \"Checkout\" button"},
				{Keyword: "then", Text: "I should see \"Order placed\""},
			}},
		},
	}
	require.NoError(t, repo.Create(ctx, f))

	got, err := repo.GetByID(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, got.Scenarios, 1)
	assert.NotEqual(t, uuid.Nil, got.Scenarios[0].ID)
	assert.Equal(t, "guest checkout", got.Scenarios[0].Name)
	require.Len(t, got.Scenarios[0].Steps, 2)
	assert.Equal(t, "I am logged in", got.Background[0].Text)

	list, err := repo.ListByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFeatureOrphanProjectRejected(t *testing.T) {
	db := setupDB(t)
	repo := NewFeatureRepository(db.DB)

	err := repo.Create(context.Background(), &domain.Feature{
		ProjectID: uuid.New(), Name: "orphan",
	})
	assert.True(t, domain.IsCode(err, domain.ErrCodeNotFound))
}

func TestTestCaseStepsSurviveRoundTrip(t *testing.T) {
	db := setupDB(t)
	repo := NewTestCaseRepository(db.DB)
	ctx := context.Background()
	p := seedDBProject(t, db)

	tc := &domain.ActionTestCase{
		ProjectID: p.ID,
		Name:      "login works",
		SuiteName: "smoke",
		Tags:      []string{"smoke"},
		Steps: []domain.TestStep{
			{Order: 1, Action: domain.ActionNavigate, Value: "https://shop.example.com/login"},
			{Order: 2, Action: domain.ActionFill, Target: "username", Selector: `[name="username"]`, Strategy: domain.StrategyCSS, Value: "alice"},
		},
	}
	require.NoError(t, repo.Create(ctx, tc))

	got, err := repo.GetByID(ctx, tc.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, domain.ActionFill, got.Steps[1].Action)
	assert.Equal(t, domain.StrategyCSS, got.Steps[1].Strategy)

	bySuite, err := repo.ListBySuite(ctx, p.ID, "smoke")
	require.NoError(t, err)
	assert.Len(t, bySuite, 1)
}

func TestCatalogDeleteCascades(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	p := seedDBProject(t, db)

	require.NoError(t, NewFeatureRepository(db.DB).Create(ctx, &domain.Feature{ProjectID: p.ID, Name: "checkout"}))
	require.NoError(t, NewTestCaseRepository(db.DB).Create(ctx, &domain.ActionTestCase{ProjectID: p.ID, Name: "login works"}))

	catalog := NewCatalog(db)
	features, err := catalog.ListFeatures(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, features, 1)

	require.NoError(t, NewProjectRepository(db.DB).Delete(ctx, p.ID))
	features, err = catalog.ListFeatures(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, features)
	cases, err := catalog.ListTestCases(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestReportIndexUpsertAndList(t *testing.T) {
	db := setupDB(t)
	repo := NewReportIndexRepository(db.DB)
	ctx := context.Background()

	now := time.Now().UTC()
	report := &domain.Report{
		ID: uuid.NewString(), ProjectID: "p1", ProjectName: "webshop",
		Status: domain.ReportStatusFailed, TotalTests: 4, Passed: 3, Failed: 1,
		PassRate: 75, ExecutedAt: now, CompletedAt: now,
	}
	require.NoError(t, repo.Index(ctx, report))

	// Re-indexing the same report updates in place.
	report.Status = domain.ReportStatusPassed
	report.Passed, report.Failed, report.PassRate = 4, 0, 100
	require.NoError(t, repo.Index(ctx, report))

	got, err := repo.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusPassed, got.Status)
	assert.Equal(t, 100.0, got.PassRate)

	recent, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	byProject, err := repo.ListByProject(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Len(t, byProject, 1)
}
