package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/domain"
)

func newTestBase(t *testing.T) *Base {
	t.Helper()
	dir := t.TempDir()
	b, err := New(Options{
		SelectorsDir:    filepath.Join(dir, "selectors"),
		ExplorationsDir: filepath.Join(dir, "explorations"),
		ScenarioDir:     filepath.Join(dir, "scenario_cache"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAddLearningAndLookup(t *testing.T) {
	b := newTestBase(t)

	b.AddLearning(Learning{
		Domain:     "example.com",
		Page:       "/login",
		ElementKey: "login_submit",
		Selector:   "#submit",
		Strategy:   domain.StrategyCSS,
		Success:    true,
	})

	ek := b.Lookup("example.com", "/login", "login_submit")
	require.NotNil(t, ek)
	require.NotNil(t, ek.BestSelector)
	assert.Equal(t, "#submit", ek.BestSelector.Value)
	assert.Equal(t, 1.0, ek.BestSelector.Confidence)
}

func TestLookupMissReturnsNil(t *testing.T) {
	b := newTestBase(t)
	assert.Nil(t, b.Lookup("example.com", "/login", "nothing_here"))
}

func TestConfidenceIsSuccessRate(t *testing.T) {
	b := newTestBase(t)

	l := Learning{
		Domain: "example.com", Page: "/login", ElementKey: "username",
		Selector: "#user", Strategy: domain.StrategyCSS,
	}
	l.Success = true
	b.AddLearning(l)
	b.AddLearning(l)
	b.AddLearning(l)
	l.Success = false
	b.AddLearning(l)

	ek := b.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.InDelta(t, 0.75, ek.BestSelector.Confidence, 1e-9)
	assert.Equal(t, 3, ek.BestSelector.Successes)
	assert.Equal(t, 1, ek.BestSelector.Failures)
}

func TestBestSelectorInvariant(t *testing.T) {
	b := newTestBase(t)

	// Old selector: 1 success, 2 failures.
	old := Learning{Domain: "example.com", Page: "/login", ElementKey: "username", Selector: "#old-id"}
	old.Success = true
	b.AddLearning(old)
	old.Success = false
	b.AddLearning(old)
	b.AddLearning(old)

	// New selector: 1 success.
	b.AddLearning(Learning{
		Domain: "example.com", Page: "/login", ElementKey: "username",
		Selector: `[name="username"]`, Success: true,
	})

	ek := b.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.Equal(t, `[name="username"]`, ek.BestSelector.Value)
	assert.Len(t, ek.Selectors, 2)

	// Every selector is the argmax check: head confidence is maximal.
	for _, s := range ek.Selectors {
		assert.LessOrEqual(t, s.Confidence, ek.BestSelector.Confidence)
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	}
}

func TestRecordingFailureDropsConfidence(t *testing.T) {
	b := newTestBase(t)

	l := Learning{Domain: "example.com", Page: "/login", ElementKey: "username", Selector: "#old-id", Success: true}
	b.AddLearning(l)
	before := b.Lookup("example.com", "/login", "username").BestSelector.Confidence

	l.Success = false
	b.AddLearning(l)
	after := b.Lookup("example.com", "/login", "username").BestSelector.Confidence

	assert.Less(t, after, before)
}

func TestFindByIntentExact(t *testing.T) {
	b := newTestBase(t)
	b.AddLearning(Learning{
		Domain: "example.com", Page: "/login", ElementKey: "login_submit",
		Selector: "#submit", Success: true,
	})

	matches := b.FindByIntent("login_submit", "", "", 5)
	require.Len(t, matches, 1)
	assert.False(t, matches[0].Fuzzy)
	assert.Equal(t, 1.0, matches[0].Confidence)
	assert.Equal(t, "#submit", matches[0].Selector)
}

func TestFindByIntentFuzzyPenalty(t *testing.T) {
	b := newTestBase(t)
	b.AddLearning(Learning{
		Domain: "example.com", Page: "/login", ElementKey: "username_field",
		Selector: "#user", Success: true,
	})

	matches := b.FindByIntent("username", "example.com", "", 5)
	require.NotEmpty(t, matches)
	assert.True(t, matches[0].Fuzzy)
	assert.InDelta(t, 0.8, matches[0].Confidence, 1e-9)
}

func TestFindByIntentDomainFilter(t *testing.T) {
	b := newTestBase(t)
	b.AddLearning(Learning{Domain: "a.com", Page: "/p", ElementKey: "search_box", Selector: "#s1", Success: true})
	b.AddLearning(Learning{Domain: "b.com", Page: "/p", ElementKey: "search_box", Selector: "#s2", Success: true})

	matches := b.FindByIntent("search_box", "b.com", "", 5)
	require.Len(t, matches, 1)
	assert.Equal(t, "#s2", matches[0].Selector)
}

func TestIdempotentRecording(t *testing.T) {
	b := newTestBase(t)
	l := Learning{Domain: "example.com", Page: "/login", ElementKey: "k", Selector: "#k", Success: true}
	b.AddLearning(l)
	first := b.Lookup("example.com", "/login", "k")
	b.AddLearning(l)
	second := b.Lookup("example.com", "/login", "k")

	assert.Equal(t, first.BestSelector.Value, second.BestSelector.Value)
	assert.Equal(t, 1.0, second.BestSelector.Confidence)
	assert.Equal(t, 2, second.BestSelector.Successes)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	selDir := filepath.Join(dir, "selectors")

	b, err := New(Options{SelectorsDir: selDir})
	require.NoError(t, err)

	b.AddLearning(Learning{Domain: "example.com", Page: "/login", ElementKey: "username", Selector: "#u", Success: true})
	b.AddLearning(Learning{Domain: "example.com", Page: "/login", ElementKey: "password", Selector: "#p", Success: true})
	b.AddLearning(Learning{Domain: "other.com", Page: "/", ElementKey: "search", Selector: "#q", Success: true})
	require.NoError(t, b.Close())

	// File exists in the documented location.
	_, err = os.Stat(filepath.Join(selDir, "example.com", "element_cache.json"))
	require.NoError(t, err)

	reloaded, err := New(Options{SelectorsDir: selDir})
	require.NoError(t, err)
	defer reloaded.Close()

	ek := reloaded.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.Equal(t, "#u", ek.BestSelector.Value)
	assert.Equal(t, 1.0, ek.BestSelector.Confidence)

	other := reloaded.Lookup("other.com", "/", "search")
	require.NotNil(t, other)
	assert.Equal(t, "#q", other.BestSelector.Value)
}

func TestCorruptDomainFileSkipped(t *testing.T) {
	dir := t.TempDir()
	selDir := filepath.Join(dir, "selectors")
	require.NoError(t, os.MkdirAll(filepath.Join(selDir, "bad.com"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(selDir, "bad.com", "element_cache.json"), []byte("{not json"), 0o644))

	b, err := New(Options{SelectorsDir: selDir})
	require.NoError(t, err)
	defer b.Close()

	// Corrupt file yields an empty domain, not a crash.
	assert.Nil(t, b.Lookup("bad.com", "/", "anything"))

	// The rest of the base still works.
	b.AddLearning(Learning{Domain: "good.com", Page: "/", ElementKey: "k", Selector: "#k", Success: true})
	assert.NotNil(t, b.Lookup("good.com", "/", "k"))
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestBase(t)
	src.AddLearning(Learning{Domain: "example.com", Page: "/login", ElementKey: "username", Selector: "#u", Success: true})
	src.AddLearning(Learning{Domain: "example.com", Page: "/login", ElementKey: "username", Selector: "#u2", Success: true})
	src.AddLearning(Learning{Domain: "example.com", Page: "/cart", ElementKey: "checkout", Selector: "#go", Success: true})

	dst := newTestBase(t)
	merged := dst.Import(src.Export())
	assert.Equal(t, 2, merged)

	for _, tc := range []struct{ page, key string }{
		{"/login", "username"},
		{"/cart", "checkout"},
	} {
		want := src.Lookup("example.com", tc.page, tc.key)
		got := dst.Lookup("example.com", tc.page, tc.key)
		require.NotNil(t, got, tc.key)
		assert.Equal(t, want.BestSelector.Value, got.BestSelector.Value)
		assert.Equal(t, want.BestSelector.Confidence, got.BestSelector.Confidence)
		assert.Len(t, got.Selectors, len(want.Selectors))
	}
}

func TestImportMergeSumsCounts(t *testing.T) {
	src := newTestBase(t)
	src.AddLearning(Learning{Domain: "example.com", Page: "/p", ElementKey: "k", Selector: "#k", Success: true})

	dst := newTestBase(t)
	dst.AddLearning(Learning{Domain: "example.com", Page: "/p", ElementKey: "k", Selector: "#k", Success: true})
	dst.Import(src.Export())

	ek := dst.Lookup("example.com", "/p", "k")
	require.NotNil(t, ek)
	assert.Equal(t, 2, ek.BestSelector.Successes)
	assert.Equal(t, 1.0, ek.BestSelector.Confidence)
}

func TestDecay(t *testing.T) {
	b := newTestBase(t)
	l := Learning{Domain: "example.com", Page: "/p", ElementKey: "stale", Selector: "#s"}
	l.Success = false
	b.AddLearning(l) // confidence 0, last_used now

	// Nothing younger than the cutoff is dropped.
	assert.Equal(t, 0, b.Decay(30))

	// Backdate the selector under the hood.
	b.mu.Lock()
	sel := b.primary["example.com"]["/p"]["stale"].Selectors[0]
	sel.LastUsed = sel.LastUsed.AddDate(0, 0, -60)
	b.mu.Unlock()

	assert.Equal(t, 1, b.Decay(30))
	assert.Nil(t, b.Lookup("example.com", "/p", "stale"))

	// High-confidence entries survive regardless of age.
	h := Learning{Domain: "example.com", Page: "/p", ElementKey: "fresh", Selector: "#f", Success: true}
	b.AddLearning(h)
	b.mu.Lock()
	b.primary["example.com"]["/p"]["fresh"].Selectors[0].LastUsed =
		b.primary["example.com"]["/p"]["fresh"].Selectors[0].LastUsed.AddDate(0, 0, -60)
	b.mu.Unlock()
	assert.Equal(t, 0, b.Decay(30))
	assert.NotNil(t, b.Lookup("example.com", "/p", "fresh"))
}

func TestScenarioCacheRoundTrip(t *testing.T) {
	b := newTestBase(t)

	require.NoError(t, b.SaveScenarioCache(&ScenarioCache{
		ScenarioID: "scn-1",
		Domain:     "example.com",
		Elements: map[string]ScenarioElement{
			"username": {Selector: "#u", Strategy: domain.StrategyCSS},
			"password": {Selector: "Password", Strategy: domain.StrategyLabel},
		},
	}))

	sc := b.GetScenarioCache("scn-1")
	require.NotNil(t, sc)
	assert.Equal(t, "#u", sc.Elements["username"].Selector)
	assert.Equal(t, domain.StrategyLabel, sc.Elements["password"].Strategy)
	assert.False(t, sc.SavedAt.IsZero())

	assert.Nil(t, b.GetScenarioCache("missing"))
}

func TestExplorationImport(t *testing.T) {
	dir := t.TempDir()
	expDir := filepath.Join(dir, "explorations")
	require.NoError(t, os.MkdirAll(expDir, 0o755))

	exp := explorationFile{URL: "https://example.com/login"}
	exp.Elements = []struct {
		Key         string  `json:"key"`
		Selector    string  `json:"selector"`
		Strategy    string  `json:"strategy,omitempty"`
		Confidence  float64 `json:"confidence"`
		ElementType string  `json:"element_type,omitempty"`
	}{
		{Key: "username", Selector: "#u", Confidence: 0.9, ElementType: "input"},
		{Key: "low_conf", Selector: "#x", Confidence: 0.3},
	}
	data, err := json.Marshal(exp)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(expDir, "run1.json"), data, 0o644))

	b, err := New(Options{
		SelectorsDir:    filepath.Join(dir, "selectors"),
		ExplorationsDir: expDir,
	})
	require.NoError(t, err)
	defer b.Close()

	ek := b.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.Equal(t, "#u", ek.BestSelector.Value)
	assert.Equal(t, domain.LearnedFromExploration, ek.BestSelector.LearnedFrom)

	assert.Nil(t, b.Lookup("example.com", "/login", "low_conf"))
}

func TestStats(t *testing.T) {
	b := newTestBase(t)
	b.AddLearning(Learning{Domain: "example.com", Page: "/p", ElementKey: "k", Selector: "#k", Success: true})

	b.Lookup("example.com", "/p", "k")    // primary hit, fills LRU
	b.Lookup("example.com", "/p", "k")    // LRU hit
	b.Lookup("example.com", "/p", "nope") // bloom reject

	stats := b.GetStats()
	assert.Equal(t, 1, stats.Domains)
	assert.Equal(t, 1, stats.Elements)
	assert.GreaterOrEqual(t, stats.CacheHits, int64(1))
	assert.GreaterOrEqual(t, stats.BloomRejects, int64(0))
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/users/123/edit", "/users/:id/edit"},
		{"/login?next=%2Fhome", "/login"},
		{"https://example.com/orders/42", "/orders/:id"},
		{"/a/b/", "/a/b"},
		{"", "/"},
		{"/items/550e8400-e29b-41d4-a716-446655440000", "/items/:id"},
		{"/hash/deadbeefcafe1234", "/hash/:id"},
	}
	for _, tt := range tests {
		if got := NormalizePage(tt.in); got != tt.want {
			t.Errorf("NormalizePage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.Example.com:8443/login", "example.com"},
		{"example.com", "example.com"},
		{"www.example.com/path", "example.com"},
		{"localhost:3000", "localhost"},
	}
	for _, tt := range tests {
		if got := NormalizeDomain(tt.in); got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Login Submit", "login_submit"},
		{"login-submit!", "login_submit"},
		{"  user name  ", "user_name"},
		{"already_normal", "already_normal"},
	}
	for _, tt := range tests {
		if got := NormalizeKey(tt.in); got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
