package executor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/browser"
	"github.com/testforge/autopilot/internal/decision"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/learning"
	"github.com/testforge/autopilot/internal/patterns"
)

type harness struct {
	kb       *knowledge.Base
	brain    *brain.Brain
	patterns *patterns.Store
	driver   *browser.MockDriver
	actions  *ActionExecutor
	unified  *UnifiedExecutor
}

func newHarness(t *testing.T, pages ...*browser.MockPage) *harness {
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
	driver := browser.NewMockDriver(pages...)
	actions := NewActionExecutor(ActionExecutorOptions{
		Driver:      driver,
		StepTimeout: 2 * time.Second,
		TypeDelay:   time.Millisecond,
	})
	unified := NewUnifiedExecutor(UnifiedExecutorOptions{
		Driver:    driver,
		Actions:   actions,
		Decisions: decision.NewEngine(kb, br, nil, nil),
		Patterns:  ps,
		Learner:   learning.NewEngine(kb, br, ps, nil),
		KB:        kb,
		Brain:     br,
		Mode:      domain.ModeStrict,
	})
	return &harness{kb: kb, brain: br, patterns: ps, driver: driver, actions: actions, unified: unified}
}

func loginSite() []*browser.MockPage {
	return []*browser.MockPage{
		{
			URL:   "https://example.com/login",
			Title: "Login",
			Elements: []*browser.MockElement{
				{Selectors: []string{`[name="username"]`}, Tag: "input", Type: "text",
					Label: "Username", Placeholder: "Enter username", Visible: true},
				{Selectors: []string{`[name="password"]`}, Tag: "input", Type: "password",
					Label: "Password", Visible: true},
				{Selectors: []string{"#remember"}, Tag: "input", Type: "checkbox",
					Label: "Remember me", Visible: true},
				{Selectors: []string{"#submit"}, Tag: "button", Text: "Sign In", Role: "button",
					Visible: true, NavigatesTo: "https://example.com/dashboard"},
			},
		},
		{URL: "https://example.com/dashboard", Title: "Dashboard"},
	}
}

func loginScenario() UnifiedTestCase {
	return FromScenario("Login", nil, domain.BehaviorScenario{
		ID:   uuid.New(),
		Name: "successful login",
		Steps: []domain.BehaviorStep{
			{Keyword: "given", Text: "Given I navigate to https://example.com/login"},
			{Keyword: "when", Text: `When I type "alice" into the username field`},
			{Keyword: "and", Text: `And I type "{{password}}" into the password field`},
			{Keyword: "and", Text: `And I check the "Remember me" checkbox`},
			{Keyword: "then", Text: `Then I click the "Sign In" button`},
		},
	})
}

// A first run against an unknown site resolves every element through
// semantic locators, learns their selectors at full confidence, and uses no
// AI at all.
func TestFirstRunLearnsSelectors(t *testing.T) {
	h := newHarness(t, loginSite()...)
	h.unified.credentials = &domain.Credentials{Username: "alice", Password: "s3cret"}

	report := h.unified.ExecuteAll(context.Background(), []UnifiedTestCase{loginScenario()})

	require.Equal(t, domain.StatusPassed, report.Status)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 100.0, report.PassRate)
	assert.Equal(t, int64(0), report.TotalAICalls)
	assert.Equal(t, 0.0, report.AIDependencyPercent)
	assert.Equal(t, 4, report.NewSelectorsLearned)

	ek := h.kb.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.Equal(t, 1.0, ek.BestSelector.Confidence)

	// Password value came from the credentials, not the placeholder.
	assert.Contains(t, h.driver.Log, "fill Password=s3cret")
}

// A second run resolves elements from the knowledge base instead of the
// semantic ladder.
func TestSecondRunHitsKnowledgeBase(t *testing.T) {
	h := newHarness(t, loginSite()...)
	h.unified.credentials = &domain.Credentials{Password: "s3cret"}
	ctx := context.Background()

	first := h.unified.ExecuteAll(ctx, []UnifiedTestCase{loginScenario()})
	require.Equal(t, domain.StatusPassed, first.Status)
	require.EqualValues(t, 0, first.TotalKBHits)

	second := h.unified.ExecuteAll(ctx, []UnifiedTestCase{loginScenario()})
	require.Equal(t, domain.StatusPassed, second.Status)
	assert.GreaterOrEqual(t, second.TotalKBHits, int64(3))
	assert.EqualValues(t, 0, second.TotalAICalls)
	assert.Equal(t, 0, second.NewSelectorsLearned)
}

// A behavior run records the selectors it used per element key; a replay
// resolves them from the scenario cache before consulting any other tier.
func TestScenarioCachePrewarmsReplay(t *testing.T) {
	h := newHarness(t, loginSite()...)
	h.unified.credentials = &domain.Credentials{Username: "alice", Password: "s3cret"}
	sc := loginScenario()

	first := h.unified.ExecuteAll(context.Background(), []UnifiedTestCase{sc})
	require.Equal(t, domain.StatusPassed, first.Status)

	cached := h.kb.GetScenarioCache(sc.ID)
	require.NotNil(t, cached)
	assert.Equal(t, "example.com", cached.Domain)
	assert.Len(t, cached.Elements, 4)
	assert.Equal(t, knowledge.ScenarioElement{Selector: "Username", Strategy: domain.StrategyLabel},
		cached.Elements["username"])

	// A fresh executor with an empty knowledge base but the same scenario
	// cache resolves every element from the prewarm map.
	h2 := newHarness(t, loginSite()...)
	h2.unified.credentials = &domain.Credentials{Username: "alice", Password: "s3cret"}
	require.NoError(t, h2.kb.SaveScenarioCache(&knowledge.ScenarioCache{
		ScenarioID: sc.ID,
		Domain:     cached.Domain,
		Elements:   cached.Elements,
	}))

	replay := h2.unified.ExecuteAll(context.Background(), []UnifiedTestCase{sc})
	require.Equal(t, domain.StatusPassed, replay.Status)
	assert.EqualValues(t, 4, replay.TotalKBHits)
	assert.EqualValues(t, 0, replay.TotalAICalls)
	assert.Contains(t, h2.driver.Log, "fill Username=alice")
}

// A selector broken by a frontend change heals through the semantic ladder;
// the stale selector loses confidence and the working one is learned.
func TestBrokenSelectorHeals(t *testing.T) {
	h := newHarness(t, loginSite()...)
	h.kb.AddLearning(knowledge.Learning{
		Domain: "example.com", Page: "/login", ElementKey: "username",
		Selector: "#old-id", Strategy: domain.StrategyCSS,
		Success: true, LearnedFrom: domain.LearnedFromExecution,
	})

	tc := UnifiedTestCase{
		ID: uuid.NewString(), Name: "fill username", Format: domain.FormatBehaviorDriven,
		Steps: []domain.TestStep{
			{Order: 1, Action: domain.ActionNavigate, Value: "https://example.com/login"},
			{Order: 2, Action: domain.ActionFill, Target: "username", Value: "alice"},
		},
	}
	report := h.unified.ExecuteAll(context.Background(), []UnifiedTestCase{tc})
	require.Equal(t, domain.StatusPassed, report.Status)

	found := false
	for _, line := range report.Results[0].Logs {
		if strings.Contains(line, "recovered") {
			found = true
		}
	}
	assert.True(t, found, "healing should be visible in the step log: %v", report.Results[0].Logs)

	ek := h.kb.Lookup("example.com", "/login", "username")
	require.NotNil(t, ek)
	assert.Equal(t, 1.0, ek.BestSelector.Confidence)
	assert.NotEqual(t, "#old-id", ek.BestSelector.Value)
	for _, s := range ek.Selectors {
		if s.Value == "#old-id" {
			assert.Equal(t, 0.5, s.Confidence)
		}
	}
}

// A stop request finishes the current step, skips the rest, and marks the
// report partial.
func TestStopSkipsRemainingSteps(t *testing.T) {
	h := newHarness(t, loginSite()...)

	steps := []domain.TestStep{{Order: 1, Action: domain.ActionNavigate, Value: "https://example.com/login"}}
	for i := 2; i <= 10; i++ {
		steps = append(steps, domain.TestStep{
			Order: i, Action: domain.ActionFill,
			Selector: `[name="username"]`, Strategy: domain.StrategyCSS, Value: "x",
		})
	}
	executed := 0
	h.actions.AfterAction = func(ActionRequest, *ActionResult) {
		executed++
		if executed == 3 {
			h.unified.RequestStop()
		}
	}

	report := h.unified.ExecuteAll(context.Background(), []UnifiedTestCase{{
		ID: uuid.NewString(), Name: "long test", Format: domain.FormatActionBased, Steps: steps,
	}})

	assert.Equal(t, 3, executed)
	assert.True(t, report.StoppedByUser)
	assert.True(t, report.Partial)
	assert.Equal(t, domain.StatusPartial, report.Status)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.StatusSkipped, report.Results[0].Status)

	stepLines := 0
	for _, line := range report.Results[0].Logs {
		if !strings.Contains(line, "skipped") {
			stepLines++
		}
	}
	assert.Equal(t, 3, stepLines)
}

func TestEmptyTestPasses(t *testing.T) {
	h := newHarness(t)
	result := h.unified.Execute(context.Background(), UnifiedTestCase{ID: "t1", Name: "empty"})
	assert.Equal(t, domain.StatusPassed, result.Status)
	assert.EqualValues(t, 0, result.Duration)
}

func TestOptionalStepFailureDoesNotFailTest(t *testing.T) {
	h := newHarness(t, loginSite()...)
	tc := UnifiedTestCase{
		ID: uuid.NewString(), Name: "optional", Format: domain.FormatActionBased,
		Steps: []domain.TestStep{
			{Order: 1, Action: domain.ActionNavigate, Value: "https://example.com/login"},
			{Order: 2, Action: domain.ActionClick, Selector: "#cookie-banner", Strategy: domain.StrategyCSS, Optional: true},
			{Order: 3, Action: domain.ActionFill, Selector: `[name="username"]`, Strategy: domain.StrategyCSS, Value: "a"},
		},
	}
	result := h.unified.Execute(context.Background(), tc)
	assert.Equal(t, domain.StatusPassed, result.Status)
}

func TestBackgroundStepsRunFirst(t *testing.T) {
	h := newHarness(t, loginSite()...)
	tc := FromScenario("Login",
		[]domain.BehaviorStep{{Keyword: "given", Text: "Given I navigate to https://example.com/login"}},
		domain.BehaviorScenario{
			ID: uuid.New(), Name: "background",
			Steps: []domain.BehaviorStep{{Keyword: "when", Text: `When I type "bob" into the username field`}},
		})
	result := h.unified.Execute(context.Background(), tc)
	require.Equal(t, domain.StatusPassed, result.Status)
	assert.Equal(t, "navigate https://example.com/login", h.driver.Log[0])
}

// A behavior line the regexes cannot parse expands through the pattern
// library into a multi-action recipe.
func TestPatternExpandsLoginStep(t *testing.T) {
	h := newHarness(t, &browser.MockPage{
		URL:   "https://example.com/login",
		Title: "Login",
		Elements: []*browser.MockElement{
			{Selectors: []string{`[name="username"]`}, Tag: "input", Type: "text", Label: "Username", Visible: true},
			{Selectors: []string{`[name="password"]`}, Tag: "input", Type: "password", Label: "Password", Visible: true},
			{Selectors: []string{`button[type="submit"]`, "#submit"}, Tag: "button", Text: "Sign In",
				Role: "button", Visible: true, NavigatesTo: "https://example.com/dashboard"},
		},
	}, &browser.MockPage{URL: "https://example.com/dashboard", Title: "Dashboard"})
	h.unified.credentials = &domain.Credentials{Username: "alice", Password: "s3cret"}

	tc := FromScenario("Login", nil, domain.BehaviorScenario{
		ID: uuid.New(), Name: "pattern login",
		Steps: []domain.BehaviorStep{
			{Keyword: "given", Text: "Given I navigate to https://example.com/login"},
			{Keyword: "when", Text: "When I log in as a registered user"},
		},
	})
	result := h.unified.Execute(context.Background(), tc)
	require.Equal(t, domain.StatusPassed, result.Status, result.ErrorMessage)

	assert.Contains(t, h.driver.Log, `fill [name="username"]=alice`)
	assert.Contains(t, h.driver.Log, `fill [name="password"]=s3cret`)
	assert.Contains(t, h.driver.Log, `click button[type="submit"]`)

	p := h.patterns.GetPattern("builtin-login")
	require.NotNil(t, p)
	assert.Equal(t, 1, p.UsedCount)
	assert.Equal(t, 1, p.SucceededCount)
}

func TestUninterpretableStepFailsInStrictMode(t *testing.T) {
	h := newHarness(t, loginSite()...)
	tc := UnifiedTestCase{
		ID: uuid.NewString(), Name: "gibberish", Format: domain.FormatBehaviorDriven,
		Steps: []domain.TestStep{
			{Order: 1, Action: domain.ActionBehaviorStep, Target: "frobnicate the quux"},
		},
	}
	result := h.unified.Execute(context.Background(), tc)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "cannot interpret")
}

func TestAssertTextAgainstPage(t *testing.T) {
	h := newHarness(t, loginSite()...)
	ctx := context.Background()
	require.NoError(t, h.driver.Navigate(ctx, "https://example.com/login"))

	res := h.actions.Execute(ctx, ActionRequest{Action: domain.ActionAssertText, Value: "Sign In"})
	assert.Equal(t, StatusSuccess, res.Status)

	res = h.actions.Execute(ctx, ActionRequest{Action: domain.ActionAssertText, Value: "Log Out"})
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "does not contain")
}

func TestNavigateRetriesOnce(t *testing.T) {
	h := newHarness(t, loginSite()...)
	h.driver.FailNextNavigate = true

	res := h.actions.Execute(context.Background(), ActionRequest{
		Action: domain.ActionNavigate, Value: "https://example.com/login",
	})
	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.NavigationOccurred)
}

func TestActionRecoversViaSemanticLadder(t *testing.T) {
	h := newHarness(t, loginSite()...)
	ctx := context.Background()
	require.NoError(t, h.driver.Navigate(ctx, "https://example.com/login"))

	res := h.actions.Execute(ctx, ActionRequest{
		Action:   domain.ActionFill,
		Selector: "#gone",
		Strategy: domain.StrategyCSS,
		Value:    "alice",
		Intent:   "username",
	})
	require.Equal(t, StatusRecovered, res.Status)
	assert.Equal(t, "#gone", res.Selector)
	assert.Equal(t, domain.StrategyLabel, res.HealedStrategy)
}

func TestFailureArtifactsWritten(t *testing.T) {
	dir := t.TempDir()
	driver := browser.NewMockDriver(loginSite()...)
	actions := NewActionExecutor(ActionExecutorOptions{
		Driver:      driver,
		StepTimeout: time.Second,
		Screenshots: true,
		ReportDir:   dir,
	})
	ctx := context.Background()
	require.NoError(t, driver.Navigate(ctx, "https://example.com/login"))

	res := actions.Execute(ctx, ActionRequest{
		Action: domain.ActionClick, Selector: "#missing", Strategy: domain.StrategyCSS, StepIndex: 4,
	})
	require.Equal(t, StatusElementNotFound, res.Status)
	assert.FileExists(t, filepath.Join(dir, "step_4_failure.png"))
	assert.FileExists(t, filepath.Join(dir, "step_4_page.html"))
	assert.FileExists(t, filepath.Join(dir, "step_4_dom.json"))
	assert.Equal(t, filepath.Join(dir, "step_4_failure.png"), res.ScreenshotPath)
}

func TestFuzzyTargetsRankBySimilarity(t *testing.T) {
	snapshot := []browser.ElementInfo{
		{Key: "input:Username", Selector: "#u"},
		{Key: "button:Submit", Selector: "#s"},
	}
	targets := fuzzyTargets("username", snapshot)
	require.Len(t, targets, 1)
	assert.Equal(t, "#u", targets[0].Selector)
}

func TestHumanizeIntent(t *testing.T) {
	cases := map[string]string{
		"login_button":     "Login",
		"email_field":      "Email",
		"remember-me":      "Remember Me",
		"Sign In":          "Sign In",
		"search_box_input": "Search Box",
	}
	for in, want := range cases {
		assert.Equal(t, want, humanizeIntent(in), in)
	}
}

func TestFromScenarioConversion(t *testing.T) {
	sc := domain.BehaviorScenario{
		ID: uuid.New(), Name: "s", Tags: []string{"smoke"},
		Steps: []domain.BehaviorStep{{Keyword: "when", Text: "When I click the \"Save\" button"}},
	}
	tc := FromScenario("Feature", nil, sc)
	assert.Equal(t, domain.FormatBehaviorDriven, tc.Format)
	require.Len(t, tc.Steps, 1)
	assert.Equal(t, domain.ActionBehaviorStep, tc.Steps[0].Action)
	assert.Equal(t, "When I click the \"Save\" button", tc.Steps[0].Target)
	assert.Equal(t, "when", tc.Steps[0].Keyword)
}
