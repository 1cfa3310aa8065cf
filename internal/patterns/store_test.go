package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/domain"
)

func TestBuiltinsSeeded(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	stats := s.GetStats()
	assert.GreaterOrEqual(t, stats.Builtins, 3)

	login := s.GetPattern("builtin-login")
	require.NotNil(t, login)
	assert.Equal(t, "auth", login.Category)
	require.Len(t, login.Steps, 3)
	assert.Equal(t, domain.ActionFill, login.Steps[0].Action)
}

func TestFindPatternByIntent(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	found := s.FindPattern("When I sign in as admin", "")
	require.NotEmpty(t, found)
	assert.Equal(t, "builtin-login", found[0].ID)

	assert.Empty(t, s.FindPattern("do a barrel roll", "nonexistent"))
}

func TestFindPatternSortedByConfidence(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	_, err := s.AddPattern(&ActionPattern{
		Name:           "Tuned login",
		Category:       "auth",
		IntentKeywords: []string{"login"},
		Confidence:     0.95,
	})
	require.NoError(t, err)

	found := s.FindPattern("login", "auth")
	require.GreaterOrEqual(t, len(found), 2)
	for i := 1; i < len(found); i++ {
		assert.GreaterOrEqual(t, found[i-1].Confidence, found[i].Confidence)
	}
	assert.Equal(t, "Tuned login", found[0].Name)
}

func TestAddPatternGeneratesID(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	id, err := s.AddPattern(&ActionPattern{Name: "Custom", Category: "misc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p := s.GetPattern(id)
	require.NotNil(t, p)
	assert.Equal(t, 0.5, p.Confidence)
}

func TestUpdateStatsRecomputesConfidence(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	id, err := s.AddPattern(&ActionPattern{Name: "Custom", IntentKeywords: []string{"custom"}})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStats(id, true))
	require.NoError(t, s.UpdateStats(id, true))
	require.NoError(t, s.UpdateStats(id, false))

	p := s.GetPattern(id)
	assert.Equal(t, 3, p.UsedCount)
	assert.Equal(t, 2, p.SucceededCount)
	assert.InDelta(t, 2.0/3.0, p.Confidence, 1e-9)

	assert.Error(t, s.UpdateStats("missing", true))
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir, nil)
	id, err := s.AddPattern(&ActionPattern{Name: "Survivor", IntentKeywords: []string{"survive"}})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStats(id, true))

	reloaded := NewStore(dir, nil)
	p := reloaded.GetPattern(id)
	require.NotNil(t, p)
	assert.Equal(t, "Survivor", p.Name)
	assert.Equal(t, 1, p.UsedCount)
	assert.Equal(t, 1.0, p.Confidence)
}

func TestAppliesURLHints(t *testing.T) {
	p := &ActionPattern{
		IntentKeywords: []string{"login"},
		URLHints:       []string{"login", "signin"},
	}

	assert.True(t, p.Applies("login as alice", "https://example.com/login"))
	assert.False(t, p.Applies("login as alice", "https://example.com/dashboard"))
	// No URL given: keyword match alone is enough.
	assert.True(t, p.Applies("login as alice", ""))
	assert.False(t, p.Applies("search for socks", "https://example.com/login"))
}

func TestGetPatternReturnsCopy(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	p := s.GetPattern("builtin-login")
	require.NotNil(t, p)
	p.Steps[0].Selectors[0] = "mutated"

	again := s.GetPattern("builtin-login")
	assert.NotEqual(t, "mutated", again.Steps[0].Selectors[0])
}
