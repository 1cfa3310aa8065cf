package executor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/browser"
	"github.com/testforge/autopilot/internal/decision"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/learning"
	"github.com/testforge/autopilot/internal/llm"
	"github.com/testforge/autopilot/internal/patterns"
)

// UnifiedTestCase is the common execution form of both test formats. Behavior
// steps carry ActionBehaviorStep and are interpreted at execution time.
type UnifiedTestCase struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Format          domain.TestFormat `json:"format"`
	Tags            []string          `json:"tags,omitempty"`
	FeatureName     string            `json:"feature_name,omitempty"`
	ScenarioName    string            `json:"scenario_name,omitempty"`
	BackgroundSteps []domain.TestStep `json:"background_steps,omitempty"`
	Steps           []domain.TestStep `json:"steps"`
}

// FromActionTestCase converts an action-based test.
func FromActionTestCase(tc domain.ActionTestCase) UnifiedTestCase {
	return UnifiedTestCase{
		ID:     tc.ID.String(),
		Name:   tc.Name,
		Format: domain.FormatActionBased,
		Tags:   tc.Tags,
		Steps:  append([]domain.TestStep(nil), tc.Steps...),
	}
}

// FromScenario converts one behavior scenario; feature background steps run
// before the scenario's own.
func FromScenario(featureName string, background []domain.BehaviorStep, sc domain.BehaviorScenario) UnifiedTestCase {
	return UnifiedTestCase{
		ID:              sc.ID.String(),
		Name:            sc.Name,
		Format:          domain.FormatBehaviorDriven,
		Tags:            sc.Tags,
		FeatureName:     featureName,
		ScenarioName:    sc.Name,
		BackgroundSteps: behaviorSteps(background),
		Steps:           behaviorSteps(sc.Steps),
	}
}

func behaviorSteps(in []domain.BehaviorStep) []domain.TestStep {
	out := make([]domain.TestStep, 0, len(in))
	for i, s := range in {
		out = append(out, domain.TestStep{
			Order:   i + 1,
			Action:  domain.ActionBehaviorStep,
			Target:  s.Text,
			Keyword: s.Keyword,
		})
	}
	return out
}

// UnifiedTestResult is one test's outcome inside a report.
type UnifiedTestResult struct {
	TestCaseID     string            `json:"testCaseId"`
	TestCaseName   string            `json:"testCaseName"`
	Status         domain.TestStatus `json:"status"`
	Duration       int64             `json:"duration"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	ScreenshotPath string            `json:"screenshotPath,omitempty"`
	Logs           []string          `json:"logs"`
}

// UnifiedExecutionReport is the run-level summary, serialized for reporting.
type UnifiedExecutionReport struct {
	ID          string              `json:"id"`
	ProjectID   string              `json:"projectId,omitempty"`
	ProjectName string              `json:"projectName,omitempty"`
	ExecutedAt  time.Time           `json:"executedAt"`
	CompletedAt time.Time           `json:"completedAt"`
	Status      domain.TestStatus   `json:"status"`
	TotalTests  int                 `json:"totalTests"`
	Passed      int                 `json:"passed"`
	Failed      int                 `json:"failed"`
	Skipped     int                 `json:"skipped"`
	Duration    int64               `json:"duration"`
	Results     []UnifiedTestResult `json:"results"`
	Format      domain.TestFormat   `json:"format"`

	ExecutionMode       domain.ExecutionMode `json:"executionMode"`
	PassRate            float64              `json:"passRate"`
	TotalAICalls        int64                `json:"totalAiCalls"`
	TotalKBHits         int64                `json:"totalKbHits"`
	AIDependencyPercent float64              `json:"aiDependencyPercent"`
	NewSelectorsLearned int                  `json:"newSelectorsLearned"`
	Errors              []string             `json:"errors"`
	Partial             bool                 `json:"partial"`
	StoppedByUser       bool                 `json:"stopped_by_user"`
}

// UnifiedExecutorOptions wires the runner. Gateway and Learner may be nil;
// strict mode never consults the gateway even when present.
type UnifiedExecutorOptions struct {
	Driver      browser.Driver
	Actions     *ActionExecutor
	Decisions   *decision.Engine
	Patterns    *patterns.Store
	Gateway     *llm.Gateway
	Learner     *learning.Engine
	KB          *knowledge.Base
	Brain       *brain.Brain
	Mode        domain.ExecutionMode
	Credentials *domain.Credentials
	ProjectID   string
	ProjectName string
	// Settle inserts post-action delays matching typical page reaction
	// times. Off in tests.
	Settle bool
	Logger *zap.Logger
}

// UnifiedExecutor runs unified test cases end to end: interpretation,
// selector resolution, action execution, learning, and reporting.
type UnifiedExecutor struct {
	logger      *zap.Logger
	driver      browser.Driver
	actions     *ActionExecutor
	decisions   *decision.Engine
	patterns    *patterns.Store
	gateway     *llm.Gateway
	learner     *learning.Engine
	kb          *knowledge.Base
	brain       *brain.Brain
	mode        domain.ExecutionMode
	credentials *domain.Credentials
	projectID   string
	projectName string
	settle      bool

	// Scenario prewarm state for the test currently executing; touched only
	// by the executing goroutine.
	scenarioPrewarm map[string]knowledge.ScenarioElement
	scenarioUsed    map[string]knowledge.ScenarioElement

	stopRequested atomic.Bool
	aiCalls       atomic.Int64
	kbHits        atomic.Int64
	aiSteps       atomic.Int64
	totalSteps    atomic.Int64
}

// NewUnifiedExecutor builds the runner.
func NewUnifiedExecutor(opts UnifiedExecutorOptions) *UnifiedExecutor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeAutonomous
	}
	return &UnifiedExecutor{
		logger:      opts.Logger,
		driver:      opts.Driver,
		actions:     opts.Actions,
		decisions:   opts.Decisions,
		patterns:    opts.Patterns,
		gateway:     opts.Gateway,
		learner:     opts.Learner,
		kb:          opts.KB,
		brain:       opts.Brain,
		mode:        opts.Mode,
		credentials: opts.Credentials,
		projectID:   opts.ProjectID,
		projectName: opts.ProjectName,
		settle:      opts.Settle,
	}
}

// RequestStop makes the runner finish the current step, skip the rest, and
// emit a partial report.
func (u *UnifiedExecutor) RequestStop() {
	u.stopRequested.Store(true)
}

// ForceStop aborts immediately by closing the driver.
func (u *UnifiedExecutor) ForceStop() error {
	u.stopRequested.Store(true)
	return u.driver.Close()
}

// ExecuteAll runs the given tests sequentially and builds the run report.
func (u *UnifiedExecutor) ExecuteAll(ctx context.Context, tests []UnifiedTestCase) *UnifiedExecutionReport {
	report := &UnifiedExecutionReport{
		ID:            uuid.NewString(),
		ProjectID:     u.projectID,
		ProjectName:   u.projectName,
		ExecutedAt:    time.Now().UTC(),
		TotalTests:    len(tests),
		ExecutionMode: u.mode,
		Results:       make([]UnifiedTestResult, 0, len(tests)),
		Errors:        []string{},
	}
	if len(tests) > 0 {
		report.Format = tests[0].Format
	}

	selectorsBefore := 0
	if u.kb != nil {
		selectorsBefore = u.kb.GetStats().Selectors
	}

	for _, tc := range tests {
		if u.stopRequested.Load() {
			report.Results = append(report.Results, UnifiedTestResult{
				TestCaseID:   tc.ID,
				TestCaseName: tc.Name,
				Status:       domain.StatusSkipped,
				Logs:         []string{"skipped: stop requested"},
			})
			report.Skipped++
			continue
		}
		result := u.Execute(ctx, tc)
		report.Results = append(report.Results, *result)
		switch result.Status {
		case domain.StatusPassed:
			report.Passed++
		case domain.StatusSkipped:
			report.Skipped++
		default:
			report.Failed++
			if result.ErrorMessage != "" {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", tc.Name, result.ErrorMessage))
			}
		}
	}

	report.CompletedAt = time.Now().UTC()
	report.Duration = report.CompletedAt.Sub(report.ExecutedAt).Milliseconds()
	report.StoppedByUser = u.stopRequested.Load()
	report.Partial = report.StoppedByUser && report.Skipped > 0
	report.Status = runStatus(report)
	executed := report.Passed + report.Failed
	if executed > 0 {
		report.PassRate = float64(report.Passed) / float64(executed) * 100
	}
	report.TotalAICalls = u.aiCalls.Load()
	report.TotalKBHits = u.kbHits.Load()
	if total := u.totalSteps.Load(); total > 0 {
		report.AIDependencyPercent = float64(u.aiSteps.Load()) / float64(total) * 100
	}
	if u.kb != nil {
		if after := u.kb.GetStats().Selectors; after > selectorsBefore {
			report.NewSelectorsLearned = after - selectorsBefore
		}
	}
	if u.learner != nil {
		u.learner.Consolidate()
	}
	return report
}

func runStatus(r *UnifiedExecutionReport) domain.TestStatus {
	switch {
	case r.Partial:
		return domain.StatusPartial
	case r.Failed > 0:
		return domain.StatusFailed
	default:
		return domain.StatusPassed
	}
}

// Execute runs one test case. An empty step list passes with zero duration.
func (u *UnifiedExecutor) Execute(ctx context.Context, tc UnifiedTestCase) *UnifiedTestResult {
	result := &UnifiedTestResult{
		TestCaseID:   tc.ID,
		TestCaseName: tc.Name,
		Status:       domain.StatusPassed,
		Logs:         []string{},
	}
	steps := append(append([]domain.TestStep(nil), tc.BackgroundSteps...), tc.Steps...)
	if len(steps) == 0 {
		return result
	}

	u.beginScenario(tc)
	if u.gateway != nil {
		u.gateway.StartTest()
	}
	if u.learner != nil {
		u.learner.StartSession(tc.ID)
	}
	start := time.Now()
	sessionOK := true

	for i, step := range steps {
		if u.stopRequested.Load() {
			result.Logs = append(result.Logs, fmt.Sprintf("step %d skipped: stop requested", i+1))
			result.Status = domain.StatusSkipped
			break
		}
		stepResult, err := u.executeStep(ctx, step, i)
		if stepResult != nil && stepResult.ScreenshotPath != "" {
			result.ScreenshotPath = stepResult.ScreenshotPath
		}
		if err != nil {
			if step.Optional {
				result.Logs = append(result.Logs, fmt.Sprintf("step %d optional, failed: %v", i+1, err))
				continue
			}
			result.Status = domain.StatusFailed
			result.ErrorMessage = fmt.Sprintf("step %d: %v", i+1, err)
			result.Logs = append(result.Logs, result.ErrorMessage)
			sessionOK = false
			break
		}
		result.Logs = append(result.Logs, stepLogLine(i, step, stepResult))
	}

	result.Duration = time.Since(start).Milliseconds()
	if u.learner != nil {
		u.learner.EndSession(sessionOK && result.Status == domain.StatusPassed)
	}
	u.finishScenario(ctx, tc)
	return result
}

// beginScenario loads the prewarm cache for a behavior scenario so a replay
// resolves elements from its previous run instead of rediscovering them.
func (u *UnifiedExecutor) beginScenario(tc UnifiedTestCase) {
	u.scenarioPrewarm = nil
	u.scenarioUsed = nil
	if u.kb == nil || tc.Format != domain.FormatBehaviorDriven || tc.ID == "" {
		return
	}
	if sc := u.kb.GetScenarioCache(tc.ID); sc != nil {
		u.scenarioPrewarm = sc.Elements
	}
	u.scenarioUsed = make(map[string]knowledge.ScenarioElement)
}

// finishScenario persists the element-key -> selector map this run actually
// used, replacing the previous prewarm cache.
func (u *UnifiedExecutor) finishScenario(ctx context.Context, tc UnifiedTestCase) {
	used := u.scenarioUsed
	u.scenarioPrewarm = nil
	u.scenarioUsed = nil
	if u.kb == nil || len(used) == 0 {
		return
	}
	url, _ := u.driver.CurrentURL(ctx)
	if err := u.kb.SaveScenarioCache(&knowledge.ScenarioCache{
		ScenarioID: tc.ID,
		Domain:     knowledge.NormalizeDomain(url),
		Elements:   used,
	}); err != nil {
		u.logger.Warn("scenario cache save failed",
			zap.String("scenario", tc.ID), zap.Error(err))
	}
}

// executeStep interprets a behavior step if needed and performs the resulting
// actions. A pattern match may expand one behavior line into several actions.
func (u *UnifiedExecutor) executeStep(ctx context.Context, step domain.TestStep, index int) (*ActionResult, error) {
	u.totalSteps.Add(1)
	usedAI := false
	patternID := ""
	concrete := []domain.TestStep{step}

	if step.Action == domain.ActionBehaviorStep {
		var err error
		concrete, patternID, usedAI, err = u.interpret(ctx, step.Target)
		if err != nil {
			return nil, err
		}
	}

	var last *ActionResult
	for _, s := range concrete {
		result, err := u.executeConcrete(ctx, s, index, &usedAI)
		last = result
		if err != nil {
			if s.Optional {
				continue
			}
			if patternID != "" && u.patterns != nil {
				_ = u.patterns.UpdateStats(patternID, false)
			}
			if usedAI {
				u.aiSteps.Add(1)
			}
			return result, err
		}
	}
	if patternID != "" && u.patterns != nil {
		_ = u.patterns.UpdateStats(patternID, true)
	}
	if usedAI {
		u.aiSteps.Add(1)
	}
	return last, nil
}

// executeConcrete resolves the element for one concrete action and runs it.
func (u *UnifiedExecutor) executeConcrete(ctx context.Context, step domain.TestStep, index int, usedAI *bool) (*ActionResult, error) {
	step.Value = u.substitute(step.Value)

	req := ActionRequest{
		Action:    step.Action,
		Selector:  step.Selector,
		Strategy:  step.Strategy,
		Value:     step.Value,
		Intent:    step.Target,
		StepIndex: index + 1,
	}
	if step.TimeoutMs > 0 {
		req.Timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}

	var d *decision.Decision
	if req.Selector == "" && needsElement(step.Action) {
		var err error
		d, req.Selector, req.Strategy, req.Alternatives, err = u.resolveElement(ctx, step)
		if err != nil {
			return nil, err
		}
		if d != nil {
			switch d.Source {
			case decision.SourceAI:
				u.aiCalls.Add(1)
				*usedAI = true
			case decision.SourceKB:
				u.kbHits.Add(1)
			}
		}
	}

	// The element lives on the page the action starts from, not the one it
	// may navigate to.
	preURL, _ := u.driver.CurrentURL(ctx)

	result := u.actions.Execute(ctx, req)
	ok := result.Status == StatusSuccess || result.Status == StatusRecovered
	// Only first-try success credits the decided selector; recovered and
	// failed runs are demoted through the learning events below.
	if d != nil && result.Status == StatusSuccess {
		u.decisions.RecordDecisionOutcome(d, true)
	}
	if u.scenarioUsed != nil && ok && step.Target != "" && needsElement(step.Action) {
		selector, strategy := result.Selector, result.Strategy
		if result.Status == StatusRecovered && result.HealedSelector != "" {
			selector, strategy = result.HealedSelector, result.HealedStrategy
		}
		if selector != "" {
			u.scenarioUsed[knowledge.NormalizeKey(step.Target)] = knowledge.ScenarioElement{
				Selector: selector, Strategy: strategy,
			}
		}
	}
	u.observe(ctx, step, result, preURL)
	u.settleAfter(ctx, step.Action)

	if !ok {
		return result, fmt.Errorf("%s %q: %s", step.Action, step.Target, result.ErrorMessage)
	}
	return result, nil
}

// interpret resolves behavior text: shared regex rules first, then the
// pattern library, then the AI gateway when the mode allows it. A pattern
// match expands into the pattern's full step list.
func (u *UnifiedExecutor) interpret(ctx context.Context, text string) ([]domain.TestStep, string, bool, error) {
	if choice, ok := decision.InterpretStepText(text); ok {
		return []domain.TestStep{{Action: choice.Action, Target: choice.Target, Value: choice.Value}}, "", false, nil
	}

	if u.patterns != nil {
		for _, p := range u.patterns.FindPattern(text, "") {
			if p.Confidence < decision.ConfidenceMedium {
				continue
			}
			steps := make([]domain.TestStep, 0, len(p.Steps))
			for _, ps := range p.Steps {
				step := domain.TestStep{
					Action:   ps.Action,
					Target:   ps.TargetIntent,
					Value:    ps.Value,
					Optional: ps.Optional,
				}
				if len(ps.Selectors) > 0 {
					step.Selector = ps.Selectors[0]
					step.Strategy = domain.StrategyCSS
				}
				steps = append(steps, step)
			}
			u.logger.Debug("pattern expanded",
				zap.String("pattern", p.Name), zap.Int("steps", len(steps)))
			return steps, p.ID, false, nil
		}
	}

	if u.mode == domain.ModeAutonomous && u.gateway != nil {
		u.aiCalls.Add(1)
		interp, err := u.gateway.InterpretStep(ctx, text, u.currentPageContext(ctx))
		if err == nil {
			action := domain.ActionType(interp.Action)
			if action.IsValid() {
				return []domain.TestStep{{Action: action, Target: interp.Target, Value: interp.Value}}, "", true, nil
			}
		}
	}
	return nil, "", false, fmt.Errorf("cannot interpret step %q", text)
}

// resolveElement asks the decision engine for a selector for the step target.
func (u *UnifiedExecutor) resolveElement(ctx context.Context, step domain.TestStep) (*decision.Decision, string, domain.SelectorStrategy, []Alternative, error) {
	if step.Target == "" {
		return nil, "", "", nil, fmt.Errorf("%s step has no target", step.Action)
	}
	if el := u.scenarioPrewarm[knowledge.NormalizeKey(step.Target)]; el.Selector != "" {
		u.kbHits.Add(1)
		strategy := el.Strategy
		if !strategy.IsValid() {
			strategy = domain.StrategyCSS
		}
		return nil, el.Selector, strategy, nil, nil
	}
	url, _ := u.driver.CurrentURL(ctx)
	title, _ := u.driver.Title(ctx)

	d := u.decisions.Decide(ctx, decision.Request{
		Type:          decision.TypeFindElement,
		Input:         step.Target,
		Domain:        knowledge.NormalizeDomain(url),
		Page:          knowledge.NormalizePage(url),
		URL:           url,
		Title:         title,
		Action:        step.Action,
		MinConfidence: decision.ConfidenceLow,
		AllowAI:       u.mode != domain.ModeStrict,
	})
	if d.Source == decision.SourceDefault || d.Value == "" {
		// No usable selector anywhere; let the action layer's semantic
		// ladder try the intent directly.
		return nil, "", "", nil, nil
	}
	// KB decisions carry the selector strategy inside the memory reference.
	strategy := domain.StrategyCSS
	if parts := strings.Split(d.MemoryID, "|"); parts[0] == "kb" && len(parts) == 6 {
		if s := domain.SelectorStrategy(parts[5]); s.IsValid() {
			strategy = s
		}
	}
	alts := make([]Alternative, 0, len(d.Alternatives))
	for _, a := range d.Alternatives {
		alts = append(alts, Alternative{Selector: a, Strategy: domain.StrategyCSS})
	}
	return d, d.Value, strategy, alts, nil
}

// observe feeds the learning engine with what just happened.
func (u *UnifiedExecutor) observe(ctx context.Context, step domain.TestStep, result *ActionResult, preURL string) {
	if u.learner == nil {
		return
	}
	url, _ := u.driver.CurrentURL(ctx)
	title, _ := u.driver.Title(ctx)
	dom := knowledge.NormalizeDomain(preURL)
	page := knowledge.NormalizePage(preURL)

	ok := result.Status == StatusSuccess || result.Status == StatusRecovered
	switch {
	case ok && result.NavigationOccurred:
		els, _ := u.driver.VisibleElements(ctx)
		sig := brain.NewSignature(brain.PageInfo{
			URL:         url,
			Title:       title,
			ElementKeys: browser.ElementKeys(els),
		})
		u.learner.RecordEvent(learning.Event{
			Type:       learning.EventPageLoaded,
			Domain:     knowledge.NormalizeDomain(url),
			Page:       knowledge.NormalizePage(url),
			Signature:  &sig,
			PageType:   sig.PageType,
			LoadTimeMs: result.ExecutionTimeMs,
		})
	case ok && needsElement(step.Action):
		selector := result.Selector
		strategy := result.Strategy
		if strategy == "" {
			strategy = step.Strategy
		}
		if result.Status == StatusRecovered && result.HealedSelector != "" {
			// Demote the broken selector, then credit the one that worked.
			u.learner.RecordEvent(learning.Event{
				Type:     learning.EventActionFailure,
				Domain:   dom,
				Page:     page,
				Target:   step.Target,
				Selector: result.Selector,
				Strategy: step.Strategy,
				Action:   string(step.Action),
				Message:  "selector healed",
			})
			selector = result.HealedSelector
			strategy = result.HealedStrategy
		}
		if selector != "" && step.Target != "" {
			u.learner.RecordEvent(learning.Event{
				Type:     learning.EventActionSuccess,
				Domain:   dom,
				Page:     page,
				Target:   step.Target,
				Selector: selector,
				Strategy: strategy,
				Action:   string(step.Action),
			})
		}
	case !ok:
		u.learner.RecordEvent(learning.Event{
			Type:     learning.EventActionFailure,
			Domain:   dom,
			Page:     page,
			Target:   step.Target,
			Selector: result.Selector,
			Strategy: step.Strategy,
			Action:   string(step.Action),
			Message:  result.ErrorMessage,
		})
	}
}

// settleAfter waits out the typical page reaction to an action.
func (u *UnifiedExecutor) settleAfter(ctx context.Context, action domain.ActionType) {
	if !u.settle {
		return
	}
	d := u.decisions.Decide(ctx, decision.Request{Type: decision.TypeWaitTime, Action: action})
	ms, err := time.ParseDuration(d.Value + "ms")
	if err != nil || ms <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(ms):
	}
}

// substitute injects credentials into {{placeholder}} values.
func (u *UnifiedExecutor) substitute(value string) string {
	if u.credentials == nil || !strings.Contains(value, "{{") {
		return value
	}
	value = strings.ReplaceAll(value, "{{username}}", u.credentials.Username)
	value = strings.ReplaceAll(value, "{{password}}", u.credentials.Password)
	for k, v := range u.credentials.Extra {
		value = strings.ReplaceAll(value, "{{"+k+"}}", v)
	}
	return value
}

func (u *UnifiedExecutor) currentPageContext(ctx context.Context) string {
	url, _ := u.driver.CurrentURL(ctx)
	title, _ := u.driver.Title(ctx)
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTitle: %s\n", url, title)
	if els, err := u.driver.VisibleElements(ctx); err == nil && len(els) > 0 {
		b.WriteString("Elements:\n")
		for i, el := range els {
			if i >= 30 {
				break
			}
			fmt.Fprintf(&b, "- %s (%s)\n", el.Key, el.Selector)
		}
	}
	return b.String()
}

func stepLogLine(index int, step domain.TestStep, result *ActionResult) string {
	status := "ok"
	if result.Status == StatusRecovered {
		status = fmt.Sprintf("recovered via %s", result.HealedSelector)
	}
	target := step.Target
	if target == "" {
		target = step.Value
	}
	return fmt.Sprintf("step %d %s %q: %s (%dms)", index+1, step.Action, target, status, result.ExecutionTimeMs)
}

// needsElement reports whether the action operates on a located element.
func needsElement(a domain.ActionType) bool {
	switch a {
	case domain.ActionClick, domain.ActionFill, domain.ActionType_, domain.ActionSelect,
		domain.ActionCheck, domain.ActionUncheck, domain.ActionHover, domain.ActionAssertVisible:
		return true
	}
	return false
}
