package learning

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/patterns"
)

func newTestEngine(t *testing.T) (*Engine, *knowledge.Base, *brain.Brain, *patterns.Store) {
	t.Helper()
	dir := t.TempDir()
	kb, err := knowledge.New(knowledge.Options{
		SelectorsDir:    filepath.Join(dir, "selectors"),
		ExplorationsDir: filepath.Join(dir, "explorations"),
		ScenarioDir:     filepath.Join(dir, "scenario_cache"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kb.Close() })

	br := brain.New(filepath.Join(dir, "memory"), nil)
	ps := patterns.NewStore(filepath.Join(dir, "patterns"), nil)
	return NewEngine(kb, br, ps, nil), kb, br, ps
}

func TestActionSuccessWritesToKB(t *testing.T) {
	e, kb, br, _ := newTestEngine(t)
	sig := brain.NewSignature(brain.PageInfo{URL: "https://example.com/login", Title: "Login"})

	e.RecordEvent(Event{
		Type:   EventActionSuccess,
		Domain: "example.com", Page: "/login",
		Target: "username", Selector: `[name="username"]`, Strategy: domain.StrategyCSS,
		Action: "fill", Signature: &sig,
	})

	ek := kb.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.Equal(t, `[name="username"]`, ek.BestSelector.Value)
	assert.Equal(t, 1.0, ek.BestSelector.Confidence)

	entry := br.Pages.FindPage(sig)
	require.NotNil(t, entry)
	assert.Equal(t, `[name="username"]`, entry.Elements["username"])
}

func TestActionFailureDropsConfidenceAndRemembersError(t *testing.T) {
	e, kb, br, _ := newTestEngine(t)

	e.RecordEvent(Event{
		Type:   EventActionSuccess,
		Domain: "example.com", Page: "/login",
		Target: "username", Selector: "#old", Strategy: domain.StrategyCSS,
	})
	e.RecordEvent(Event{
		Type:   EventActionFailure,
		Domain: "example.com", Page: "/login",
		Target: "username", Selector: "#old", Strategy: domain.StrategyCSS,
		Message: "element #old not found on page",
	})

	ek := kb.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.Equal(t, 0.5, ek.BestSelector.Confidence)

	assert.NotNil(t, br.Errors.FindMatchingError("element #old not found on page"))
}

func TestElementFoundLearnsFromExploration(t *testing.T) {
	e, kb, _, _ := newTestEngine(t)

	e.RecordEvent(Event{
		Type:   EventElementFound,
		Domain: "example.com", Page: "/search",
		Target: "search_box", Selector: `[name="q"]`, Strategy: domain.StrategyCSS,
	})

	ek := kb.Lookup("example.com", "/search", "search_box")
	require.NotNil(t, ek)
	assert.Equal(t, domain.LearnedFromExploration, ek.BestSelector.LearnedFrom)
}

func TestPageLoadedUpdatesPageMemory(t *testing.T) {
	e, _, br, _ := newTestEngine(t)
	sig := brain.NewSignature(brain.PageInfo{URL: "https://example.com/app", Title: "Dashboard"})

	e.RecordEvent(Event{Type: EventPageLoaded, Signature: &sig, PageType: "dashboard", LoadTimeMs: 700})

	entry := br.Pages.FindPage(sig)
	require.NotNil(t, entry)
	assert.Equal(t, int64(700), entry.TypicalLoadMs)
}

func TestErrorRecoveryTracking(t *testing.T) {
	e, _, br, _ := newTestEngine(t)

	e.RecordEvent(Event{
		Type: EventErrorOccurred, ErrorType: "validation",
		Message: "Email address is invalid", RecoveryAction: "fix_email_format",
	})
	e.RecordEvent(Event{
		Type: EventErrorRecovered, ErrorType: "validation",
		Message: "Email address is invalid", RecoveryAction: "fix_email_format",
	})

	entry := br.Errors.FindMatchingError("Email address is invalid")
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.RecoveryWorked)
	assert.Equal(t, 1, entry.RecoveryFailed)
}

func TestSessionRecordsWorkflow(t *testing.T) {
	e, _, br, _ := newTestEngine(t)
	login := brain.NewSignature(brain.PageInfo{URL: "https://example.com/login", Title: "Login"})
	dash := brain.NewSignature(brain.PageInfo{URL: "https://example.com/app", Title: "Dashboard"})

	e.StartSession("smoke-1")
	e.RecordEvent(Event{Type: EventPageLoaded, Signature: &login, PageType: "login"})
	e.RecordEvent(Event{Type: EventActionSuccess, Domain: "example.com", Page: "/login",
		Target: "submit", Selector: "#go", Action: "click"})
	e.RecordEvent(Event{Type: EventPageLoaded, Signature: &dash, PageType: "dashboard"})
	e.EndSession(true)

	w := br.Workflows.GetWorkflow("smoke-1")
	require.NotNil(t, w)
	assert.Equal(t, []string{"login", "dashboard"}, w.PageSequence)
	assert.Equal(t, 1, w.Completions)

	next, _ := br.Workflows.PredictNextPage("login", "click")
	assert.Equal(t, "dashboard", next)
}

func TestSinglePageSessionRecordsNoWorkflow(t *testing.T) {
	e, _, br, _ := newTestEngine(t)
	sig := brain.NewSignature(brain.PageInfo{URL: "https://example.com/login"})

	e.StartSession("short")
	e.RecordEvent(Event{Type: EventPageLoaded, Signature: &sig, PageType: "login"})
	e.EndSession(true)

	assert.Nil(t, br.Workflows.GetWorkflow("short"))
}

func TestWorkflowEventUpdatesPatternStats(t *testing.T) {
	e, _, _, ps := newTestEngine(t)

	e.RecordEvent(Event{
		Type: EventWorkflowCompleted, WorkflowName: "login-flow",
		PatternID: "builtin-login", DurationMs: 3000,
	})

	p := ps.GetPattern("builtin-login")
	require.NotNil(t, p)
	assert.Equal(t, 1, p.UsedCount)
	assert.Equal(t, 1, p.SucceededCount)
}

func TestEndSessionFlushesStores(t *testing.T) {
	dir := t.TempDir()
	kb, err := knowledge.New(knowledge.Options{SelectorsDir: filepath.Join(dir, "selectors")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kb.Close() })
	br := brain.New(filepath.Join(dir, "memory"), nil)
	e := NewEngine(kb, br, nil, nil)

	e.StartSession("flush-check")
	e.RecordEvent(Event{Type: EventActionSuccess, Domain: "example.com", Page: "/login",
		Target: "username", Selector: "#u"})
	e.EndSession(true)

	assert.FileExists(t, filepath.Join(dir, "selectors", "example.com", "element_cache.json"))
}

func TestDecayOldKnowledgeReturnsZeroWhenFresh(t *testing.T) {
	e, kb, _, _ := newTestEngine(t)
	kb.AddLearning(knowledge.Learning{Domain: "example.com", Page: "/", ElementKey: "k", Selector: "#s", Success: true})

	assert.Zero(t, e.DecayOldKnowledge(30))
}
