// Package executor drives tests against the browser: single-action execution
// with retry and healing, plus the unified test runner accepting both test
// representations.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/browser"
	"github.com/testforge/autopilot/internal/domain"
)

// StepStatus is the outcome of one action execution.
type StepStatus string

const (
	StatusSuccess           StepStatus = "success"
	StatusElementNotFound   StepStatus = "element_not_found"
	StatusElementNotVisible StepStatus = "element_not_visible"
	StatusTimeout           StepStatus = "timeout"
	StatusError             StepStatus = "error"
	StatusRecovered         StepStatus = "recovered"
)

// Alternative is a pre-ranked fallback selector supplied by the caller.
type Alternative struct {
	Selector string
	Strategy domain.SelectorStrategy
}

// ActionRequest is one atomic step to perform.
type ActionRequest struct {
	Action   domain.ActionType
	Selector string
	Strategy domain.SelectorStrategy
	Value    string
	Timeout  time.Duration
	// Intent is the semantic element name, used by healing.
	Intent       string
	Alternatives []Alternative
	StepIndex    int
}

// ActionResult reports what happened, including the selector that finally
// worked when healing kicked in.
type ActionResult struct {
	Status             StepStatus              `json:"status"`
	Action             domain.ActionType       `json:"action"`
	Selector           string                  `json:"selector"`
	Strategy           domain.SelectorStrategy `json:"strategy,omitempty"`
	ExecutionTimeMs    int64                   `json:"execution_time_ms"`
	ErrorMessage       string                  `json:"error_message,omitempty"`
	NavigationOccurred bool                    `json:"navigation_occurred,omitempty"`
	ScreenshotPath     string                  `json:"screenshot_path,omitempty"`
	HealedSelector     string                  `json:"healed_selector,omitempty"`
	HealedStrategy     domain.SelectorStrategy `json:"healed_strategy,omitempty"`
}

const defaultMaxAttempts = 3

// ActionExecutor performs atomic browser steps with retry, multi-strategy
// fallback, and failure artifacts.
type ActionExecutor struct {
	logger      *zap.Logger
	driver      browser.Driver
	stepTimeout time.Duration
	typeDelay   time.Duration
	maxAttempts int

	screenshots bool
	reportDir   string

	snapshot []browser.ElementInfo

	// Callbacks, invoked when registered.
	BeforeAction func(ActionRequest)
	AfterAction  func(ActionRequest, *ActionResult)
}

// ActionExecutorOptions configures an ActionExecutor.
type ActionExecutorOptions struct {
	Driver      browser.Driver
	StepTimeout time.Duration
	TypeDelay   time.Duration
	MaxAttempts int
	Screenshots bool
	ReportDir   string
	Logger      *zap.Logger
}

// NewActionExecutor builds an executor over a driver.
func NewActionExecutor(opts ActionExecutorOptions) *ActionExecutor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.TypeDelay == 0 {
		opts.TypeDelay = 50 * time.Millisecond
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &ActionExecutor{
		logger:      opts.Logger,
		driver:      opts.Driver,
		stepTimeout: opts.StepTimeout,
		typeDelay:   opts.TypeDelay,
		maxAttempts: opts.MaxAttempts,
		screenshots: opts.Screenshots,
		reportDir:   opts.ReportDir,
	}
}

// Execute performs one step. Element actions retry with healing; the result
// status distinguishes first-try success from recovered.
func (e *ActionExecutor) Execute(ctx context.Context, req ActionRequest) *ActionResult {
	if req.Timeout == 0 {
		req.Timeout = e.stepTimeout
	}
	if e.BeforeAction != nil {
		e.BeforeAction(req)
	}
	start := time.Now()
	result := e.execute(ctx, req)
	result.Action = req.Action
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	if result.Selector == "" {
		result.Selector = req.Selector
	}

	if result.Status != StatusSuccess && result.Status != StatusRecovered {
		e.captureFailureArtifacts(ctx, req, result)
	}
	if e.AfterAction != nil {
		e.AfterAction(req, result)
	}
	return result
}

func (e *ActionExecutor) execute(ctx context.Context, req ActionRequest) *ActionResult {
	switch req.Action {
	case domain.ActionNavigate:
		if err := e.driver.Navigate(ctx, req.Value); err != nil {
			// One retry; navigation errors are often transient.
			if err2 := e.driver.Navigate(ctx, req.Value); err2 != nil {
				return failure(err2)
			}
		}
		return &ActionResult{Status: StatusSuccess, NavigationOccurred: true}
	case domain.ActionWait:
		return e.wait(ctx, req)
	case domain.ActionPressKey:
		if err := e.driver.PressKey(ctx, req.Value); err != nil {
			return failure(err)
		}
		return &ActionResult{Status: StatusSuccess}
	case domain.ActionScroll:
		delta, err := strconv.Atoi(req.Value)
		if err != nil {
			delta = 600
		}
		if err := e.driver.Scroll(ctx, delta); err != nil {
			return failure(err)
		}
		return &ActionResult{Status: StatusSuccess}
	case domain.ActionScreenshot:
		path, err := e.saveScreenshot(ctx, fmt.Sprintf("step_%d.png", req.StepIndex))
		if err != nil {
			return failure(err)
		}
		return &ActionResult{Status: StatusSuccess, ScreenshotPath: path}
	case domain.ActionAssertVisible, domain.ActionAssertText, domain.ActionAssertURL:
		return e.assert(ctx, req)
	default:
		return e.elementAction(ctx, req)
	}
}

func (e *ActionExecutor) wait(ctx context.Context, req ActionRequest) *ActionResult {
	ms, err := strconv.Atoi(req.Value)
	if err != nil || ms <= 0 {
		ms = 1000
	}
	select {
	case <-ctx.Done():
		return failure(ctx.Err())
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return &ActionResult{Status: StatusSuccess}
	}
}

func (e *ActionExecutor) assert(ctx context.Context, req ActionRequest) *ActionResult {
	switch req.Action {
	case domain.ActionAssertURL:
		url, err := e.driver.CurrentURL(ctx)
		if err != nil {
			return failure(err)
		}
		if !containsFold(url, req.Value) {
			return failure(domain.NewAssertionError(fmt.Sprintf("url %q does not contain %q", url, req.Value)))
		}
		return &ActionResult{Status: StatusSuccess}
	case domain.ActionAssertVisible:
		visible, err := e.driver.IsVisible(ctx, e.primaryTarget(req))
		if err != nil {
			return failure(err)
		}
		if !visible {
			return failure(domain.NewAssertionError(fmt.Sprintf("element %q is not visible", req.Selector)))
		}
		return &ActionResult{Status: StatusSuccess}
	default:
		// assert_text: selector empty means anywhere on the page.
		if req.Selector == "" {
			html, err := e.driver.HTML(ctx)
			if err != nil {
				return failure(err)
			}
			if !containsFold(html, req.Value) {
				return failure(domain.NewAssertionError(fmt.Sprintf("page does not contain %q", req.Value)))
			}
			return &ActionResult{Status: StatusSuccess}
		}
		text, err := e.driver.Text(ctx, e.primaryTarget(req))
		if err != nil {
			return failure(err)
		}
		if !containsFold(text, req.Value) {
			return failure(domain.NewAssertionError(fmt.Sprintf("element text %q does not contain %q", text, req.Value)))
		}
		return &ActionResult{Status: StatusSuccess}
	}
}

// elementAction runs the retry ladder: plain, snapshot refresh + short sleep,
// then fuzzy matching against the live DOM.
func (e *ActionExecutor) elementAction(ctx context.Context, req ActionRequest) *ActionResult {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		targets := e.candidateTargets(ctx, req, attempt)
		for i, target := range targets {
			err := e.perform(ctx, req, target)
			if err == nil {
				if attempt == 1 && i == 0 {
					return &ActionResult{Status: StatusSuccess, Selector: target.Selector, Strategy: target.Strategy}
				}
				return &ActionResult{
					Status:         StatusRecovered,
					Selector:       req.Selector,
					HealedSelector: target.Selector,
					HealedStrategy: target.Strategy,
				}
			}
			lastErr = err
			if !recoverable(err) {
				return failure(err)
			}
		}
		if attempt < e.maxAttempts {
			e.refreshSnapshot(ctx)
			select {
			case <-ctx.Done():
				return failure(ctx.Err())
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
	if lastErr == nil {
		lastErr = domain.NewElementNotFoundError(req.Selector)
	}
	return failure(lastErr)
}

func (e *ActionExecutor) perform(ctx context.Context, req ActionRequest, target browser.Target) error {
	switch req.Action {
	case domain.ActionClick:
		return e.driver.Click(ctx, target)
	case domain.ActionFill:
		return e.driver.Fill(ctx, target, req.Value)
	case domain.ActionType_:
		return e.driver.TypeText(ctx, target, req.Value, e.typeDelay)
	case domain.ActionSelect:
		return e.driver.SelectOption(ctx, target, req.Value)
	case domain.ActionCheck:
		return e.driver.SetChecked(ctx, target, true)
	case domain.ActionUncheck:
		return e.driver.SetChecked(ctx, target, false)
	case domain.ActionHover:
		return e.driver.Hover(ctx, target)
	default:
		return fmt.Errorf("unsupported action %q", req.Action)
	}
}

func (e *ActionExecutor) primaryTarget(req ActionRequest) browser.Target {
	strategy := req.Strategy
	if strategy == "" {
		strategy = domain.StrategyCSS
	}
	return browser.Target{Strategy: strategy, Selector: req.Selector, Timeout: req.Timeout}
}

func (e *ActionExecutor) refreshSnapshot(ctx context.Context) {
	els, err := e.driver.VisibleElements(ctx)
	if err != nil {
		e.logger.Debug("snapshot refresh failed", zap.Error(err))
		return
	}
	e.snapshot = els
}

func (e *ActionExecutor) saveScreenshot(ctx context.Context, name string) (string, error) {
	if e.reportDir == "" {
		return "", nil
	}
	data, err := e.driver.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.reportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.reportDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// captureFailureArtifacts saves screenshot, HTML, and DOM snapshot named by
// step index so operators can replay the failure.
func (e *ActionExecutor) captureFailureArtifacts(ctx context.Context, req ActionRequest, result *ActionResult) {
	if !e.screenshots || e.reportDir == "" {
		return
	}
	if path, err := e.saveScreenshot(ctx, fmt.Sprintf("step_%d_failure.png", req.StepIndex)); err == nil {
		result.ScreenshotPath = path
	} else {
		e.logger.Debug("failure screenshot failed", zap.Error(err))
	}
	if html, err := e.driver.HTML(ctx); err == nil {
		_ = os.WriteFile(filepath.Join(e.reportDir, fmt.Sprintf("step_%d_page.html", req.StepIndex)), []byte(html), 0o644)
	}
	if e.snapshot == nil {
		e.refreshSnapshot(ctx)
	}
	if e.snapshot != nil {
		if data, err := json.MarshalIndent(e.snapshot, "", "  "); err == nil {
			_ = os.WriteFile(filepath.Join(e.reportDir, fmt.Sprintf("step_%d_dom.json", req.StepIndex)), data, 0o644)
		}
	}
}

func failure(err error) *ActionResult {
	status := StatusError
	switch {
	case domain.IsCode(err, domain.ErrCodeElementNotFound):
		status = StatusElementNotFound
	case domain.IsCode(err, domain.ErrCodeElementNotVisible):
		status = StatusElementNotVisible
	case domain.IsCode(err, domain.ErrCodeTimeout):
		status = StatusTimeout
	}
	return &ActionResult{Status: status, ErrorMessage: err.Error()}
}

func recoverable(err error) bool {
	return domain.IsCode(err, domain.ErrCodeElementNotFound) ||
		domain.IsCode(err, domain.ErrCodeElementNotVisible) ||
		domain.IsCode(err, domain.ErrCodeTimeout)
}
