package decision

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
)

type stubAI struct {
	selector string
	recovery string
	calls    int
}

func (s *stubAI) FindElement(_ context.Context, _, _ string) (string, error) {
	s.calls++
	return s.selector, nil
}

func (s *stubAI) AnalyzeError(_ context.Context, _, _ string) (string, string, error) {
	s.calls++
	return "validation", s.recovery, nil
}

func newTestEngine(t *testing.T, ai AIGateway) (*Engine, *knowledge.Base, *brain.Brain) {
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
	return NewEngine(kb, br, ai, nil), kb, br
}

func TestFindElementFromKnowledgeBase(t *testing.T) {
	e, kb, _ := newTestEngine(t, nil)
	kb.AddLearning(knowledge.Learning{
		Domain: "example.com", Page: "/login", ElementKey: "username",
		Selector: `[name="username"]`, Strategy: domain.StrategyCSS, Success: true,
	})

	d := e.Decide(context.Background(), Request{
		Type: TypeFindElement, Input: "username",
		Domain: "example.com", Page: "/login",
	})

	assert.Equal(t, SourceKB, d.Source)
	assert.Equal(t, `[name="username"]`, d.Value)
	assert.Equal(t, 1.0, d.Confidence)
	assert.NotEmpty(t, d.MemoryID)
}

func TestFindElementFallsBackToPageMemory(t *testing.T) {
	e, _, br := newTestEngine(t, nil)
	sig := brain.NewSignature(brain.PageInfo{URL: "https://example.com/login", Title: "Login"})
	for i := 0; i < 5; i++ {
		br.Pages.RememberPage(sig, 100, map[string]string{"username": "#user-field"})
	}

	d := e.Decide(context.Background(), Request{
		Type: TypeFindElement, Input: "username",
		Domain: "example.com", Page: "/login", URL: "https://example.com/login",
	})

	assert.Equal(t, SourcePageMemory, d.Source)
	assert.Equal(t, "#user-field", d.Value)
}

func TestFindElementHeuristicForButtons(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	d := e.Decide(context.Background(), Request{
		Type: TypeFindElement, Input: "click the Submit button", MinConfidence: ConfidenceLow,
	})

	assert.Equal(t, SourceHeuristic, d.Source)
	assert.Equal(t, `button:has-text("Submit")`, d.Value)
}

func TestFindElementGenericInputHasNoHeuristic(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	d := e.Decide(context.Background(), Request{
		Type: TypeFindElement, Input: "the email field",
	})

	assert.Equal(t, SourceDefault, d.Source)
	assert.Empty(t, d.Value)
	assert.Equal(t, ConfidenceLow, d.Confidence)
}

func TestFindElementAITier(t *testing.T) {
	ai := &stubAI{selector: `input[type="email"]`}
	e, _, _ := newTestEngine(t, ai)

	d := e.Decide(context.Background(), Request{
		Type: TypeFindElement, Input: "the email field", AllowAI: true,
	})

	assert.Equal(t, SourceAI, d.Source)
	assert.Equal(t, `input[type="email"]`, d.Value)
	assert.Equal(t, 1, ai.calls)
}

func TestAINotConsultedWhenDisallowed(t *testing.T) {
	ai := &stubAI{selector: "#never"}
	e, _, _ := newTestEngine(t, ai)

	d := e.Decide(context.Background(), Request{
		Type: TypeFindElement, Input: "the email field", AllowAI: false,
	})

	assert.Equal(t, SourceDefault, d.Source)
	assert.Zero(t, ai.calls)
}

func TestHandleErrorFromMemory(t *testing.T) {
	e, _, br := newTestEngine(t, nil)
	br.Errors.RememberError("validation", "Email address is invalid", "email", "fix_email_format", true)

	d := e.Decide(context.Background(), Request{
		Type: TypeHandleError, Input: "email address is invalid",
	})

	assert.Equal(t, SourcePageMemory, d.Source)
	assert.Equal(t, "fix_email_format", d.Value)
}

func TestHandleErrorHeuristicKeywords(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	cases := map[string]string{
		"This field is required":    "fill_required_field",
		"Username already taken":    "use_unique_value",
		"Request timed out":         "wait_and_retry",
		"Password too short, sorry": "use_stronger_password",
	}
	for message, want := range cases {
		d := e.Decide(context.Background(), Request{Type: TypeHandleError, Input: message})
		assert.Equal(t, SourceHeuristic, d.Source, message)
		assert.Equal(t, want, d.Value, message)
	}
}

func TestPredictNextFromWorkflowMemory(t *testing.T) {
	e, _, br := newTestEngine(t, nil)
	br.Workflows.RememberWorkflow("login", []string{"login", "dashboard"}, []string{"click"}, 0, true, -1)

	d := e.Decide(context.Background(), Request{
		Type: TypePredictNext, CurrentPageType: "login", LastAction: "click",
	})

	assert.Equal(t, SourcePageMemory, d.Source)
	assert.Equal(t, "dashboard", d.Value)
}

func TestPredictNextHeuristicTransitionTable(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	d := e.Decide(context.Background(), Request{
		Type: TypePredictNext, CurrentPageType: "register", LastAction: "submit", MinConfidence: ConfidenceLow,
	})

	assert.Equal(t, SourceHeuristic, d.Source)
	assert.Equal(t, "login", d.Value)
}

func TestWaitTimeDefaults(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	cases := map[domain.ActionType]string{
		domain.ActionNavigate: "2000",
		domain.ActionClick:    "500",
		domain.ActionType_:    "200",
	}
	for action, want := range cases {
		d := e.Decide(context.Background(), Request{Type: TypeWaitTime, Action: action})
		assert.Equal(t, want, d.Value, string(action))
	}
}

func TestPageTypeUnknownDefault(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	d := e.Decide(context.Background(), Request{
		Type: TypePageType, URL: "https://example.com/zzz", Title: "Qux",
	})

	assert.Equal(t, "unknown", d.Value)
	assert.Equal(t, ConfidenceLow, d.Confidence)
	assert.Equal(t, SourceDefault, d.Source)
}

func TestRecordDecisionOutcomeUpdatesKB(t *testing.T) {
	e, kb, _ := newTestEngine(t, nil)
	kb.AddLearning(knowledge.Learning{
		Domain: "example.com", Page: "/login", ElementKey: "username",
		Selector: "#u", Strategy: domain.StrategyCSS, Success: true,
	})

	d := e.Decide(context.Background(), Request{
		Type: TypeFindElement, Input: "username",
		Domain: "example.com", Page: "/login",
	})
	require.Equal(t, SourceKB, d.Source)

	e.RecordDecisionOutcome(d, false)

	ek := kb.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.Equal(t, 0.5, ek.BestSelector.Confidence)
}

func TestInterpretStepText(t *testing.T) {
	cases := []struct {
		text   string
		action domain.ActionType
		target string
		value  string
	}{
		{`When I click the "Login" button`, domain.ActionClick, "Login", ""},
		{`I enter "alice" into the username field`, domain.ActionFill, "username", "alice"},
		{`Given I navigate to /login`, domain.ActionNavigate, "", "/login"},
		{`select "Canada" from the country dropdown`, domain.ActionSelect, "country", "Canada"},
		{`check the terms checkbox`, domain.ActionCheck, "terms", ""},
		{`uncheck the newsletter box`, domain.ActionUncheck, "newsletter", ""},
		{`Then I should see "Welcome back"`, domain.ActionAssertText, "", "Welcome back"},
		{`wait for 500 ms`, domain.ActionWait, "", "500"},
		{`And I click Logout`, domain.ActionClick, "Logout", ""},
	}
	for _, tc := range cases {
		choice, ok := InterpretStepText(tc.text)
		require.True(t, ok, tc.text)
		assert.Equal(t, tc.action, choice.Action, tc.text)
		assert.Equal(t, tc.target, choice.Target, tc.text)
		assert.Equal(t, tc.value, choice.Value, tc.text)
	}

	_, ok := InterpretStepText("the quick brown fox")
	assert.False(t, ok)
}

func TestActionChoiceRoundTrip(t *testing.T) {
	c := ActionChoice{Action: domain.ActionFill, Target: "username", Value: "alice"}
	decoded, ok := DecodeActionChoice(c.Encode())
	require.True(t, ok)
	assert.Equal(t, c, decoded)

	_, ok = DecodeActionChoice("not json")
	assert.False(t, ok)
}
