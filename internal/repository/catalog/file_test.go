package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/domain"
)

func newStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	s, err := NewFileStore(path, nil)
	require.NoError(t, err)
	return s, path
}

func TestEmptyCatalog(t *testing.T) {
	s, _ := newStore(t)
	projects, err := s.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestCatalogSurvivesReload(t *testing.T) {
	s, path := newStore(t)

	p, err := s.AddProject(domain.Project{Name: "webshop", BaseURL: "https://shop.example.com"})
	require.NoError(t, err)
	_, err = s.AddFeature(domain.Feature{
		ProjectID: p.ID,
		Name:      "checkout",
		Scenarios: []domain.BehaviorScenario{{Name: "guest checkout", Steps: []domain.BehaviorStep{
			{Keyword: "when", Text: "I click the \"Checkout\" button"},
		}}},
	})
	require.NoError(t, err)
	_, err = s.AddTestCase(domain.ActionTestCase{
		ProjectID: p.ID, Name: "login works", SuiteName: "smoke",
		Steps: []domain.TestStep{{Order: 1, Action: domain.ActionNavigate, Value: "https://shop.example.com"}},
	})
	require.NoError(t, err)

	reloaded, err := NewFileStore(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	projects, err := reloaded.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "webshop", projects[0].Name)

	features, err := reloaded.ListFeatures(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, features, 1)
	require.Len(t, features[0].Scenarios, 1)
	assert.NotEqual(t, uuid.Nil, features[0].Scenarios[0].ID)

	cases, err := reloaded.ListTestCases(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, domain.ActionNavigate, cases[0].Steps[0].Action)
}

func TestDuplicateProjectNameRejected(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.AddProject(domain.Project{Name: "webshop"})
	require.NoError(t, err)
	_, err = s.AddProject(domain.Project{Name: "webshop"})
	assert.True(t, domain.IsCode(err, domain.ErrCodeConflict))
}

func TestFeatureForUnknownProjectRejected(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.AddFeature(domain.Feature{ProjectID: uuid.New(), Name: "orphan"})
	assert.True(t, domain.IsCode(err, domain.ErrCodeNotFound))
}

func TestRemoveProjectDropsEverything(t *testing.T) {
	s, _ := newStore(t)
	p, err := s.AddProject(domain.Project{Name: "webshop"})
	require.NoError(t, err)
	_, err = s.AddFeature(domain.Feature{ProjectID: p.ID, Name: "checkout"})
	require.NoError(t, err)

	require.NoError(t, s.RemoveProject(p.ID))
	_, err = s.ListFeatures(context.Background(), p.ID)
	assert.True(t, domain.IsCode(err, domain.ErrCodeNotFound))
}

func TestCorruptCatalogFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewFileStore(path, nil)
	assert.True(t, domain.IsCode(err, domain.ErrCodePersistence))
}
