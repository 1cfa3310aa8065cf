package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/browser"
	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/decision"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/executor"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/learning"
	"github.com/testforge/autopilot/internal/llm"
	"github.com/testforge/autopilot/internal/patterns"
	"github.com/testforge/autopilot/internal/reporting"
)

// DriverFactory opens a fresh browser driver for one run.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

// ExecutorRunnerOptions wires the default runner.
type ExecutorRunnerOptions struct {
	Store     ProjectStore
	KB        *knowledge.Base
	Brain     *brain.Brain
	Patterns  *patterns.Store
	Decisions *decision.Engine
	Learner   *learning.Engine
	Gateway   *llm.Gateway
	Reports   *reporting.Store
	NewDriver DriverFactory
	Browser   config.BrowserConfig
	Mode      domain.ExecutionMode
	ReportDir string
	Logger    *zap.Logger
}

// ExecutorRunner runs queued items through the unified executor with a fresh
// browser per run. The learning stores are shared across runs; the driver is
// not. One run is active at a time; the current executor is tracked so the
// API can stop it mid-flight.
type ExecutorRunner struct {
	opts ExecutorRunnerOptions

	mu        sync.Mutex
	current   *executor.UnifiedExecutor
	item      *QueuedTest
	startedAt time.Time
}

// RunnerStatus is a snapshot of the run currently in flight.
type RunnerStatus struct {
	Running     bool      `json:"running"`
	ProjectID   string    `json:"projectId,omitempty"`
	ProjectName string    `json:"projectName,omitempty"`
	FeatureName string    `json:"featureName,omitempty"`
	Reason      Reason    `json:"reason,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
}

// NewExecutorRunner builds the default runner.
func NewExecutorRunner(opts ExecutorRunnerOptions) *ExecutorRunner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeAutonomous
	}
	return &ExecutorRunner{opts: opts}
}

// Run loads the item's tests from the catalog, executes them, and persists
// the report.
func (r *ExecutorRunner) Run(ctx context.Context, item *QueuedTest) (*executor.UnifiedExecutionReport, error) {
	tests, err := r.loadTests(ctx, item)
	if err != nil {
		return nil, err
	}
	return r.RunTests(ctx, item, tests)
}

// RunTests executes an already-assembled test list for one item.
func (r *ExecutorRunner) RunTests(ctx context.Context, item *QueuedTest, tests []executor.UnifiedTestCase) (*executor.UnifiedExecutionReport, error) {
	if len(tests) == 0 {
		return nil, fmt.Errorf("no tests for %s/%s", item.ProjectName, item.FeatureName)
	}

	driver, err := r.openDriver(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("opening browser: %w", err)
	}
	defer driver.Close()

	if item.BaseURL != "" {
		if err := driver.Navigate(ctx, item.BaseURL); err != nil {
			return nil, domain.NewNavigationError(item.BaseURL).WithCause(err)
		}
	}

	actions := executor.NewActionExecutor(executor.ActionExecutorOptions{
		Driver:      driver,
		Screenshots: true,
		ReportDir:   r.opts.ReportDir,
		Logger:      r.opts.Logger,
	})
	mode := r.opts.Mode
	if item.Mode != "" {
		mode = item.Mode
	}
	unified := executor.NewUnifiedExecutor(executor.UnifiedExecutorOptions{
		Driver:      driver,
		Actions:     actions,
		Decisions:   r.opts.Decisions,
		Patterns:    r.opts.Patterns,
		Gateway:     r.opts.Gateway,
		Learner:     r.opts.Learner,
		KB:          r.opts.KB,
		Brain:       r.opts.Brain,
		Mode:        mode,
		Credentials: item.Credentials,
		ProjectID:   item.ProjectID,
		ProjectName: item.ProjectName,
		Settle:      true,
		Logger:      r.opts.Logger,
	})

	r.mu.Lock()
	r.current = unified
	r.item = item
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()

	report := unified.ExecuteAll(ctx, tests)

	r.mu.Lock()
	r.current = nil
	r.item = nil
	r.mu.Unlock()

	if r.opts.Reports != nil {
		if _, err := r.opts.Reports.SaveExecution(ctx, report); err != nil {
			r.opts.Logger.Warn("saving report failed", zap.String("report_id", report.ID), zap.Error(err))
		}
	}
	return report, nil
}

// RequestStop asks the in-flight run to stop after the current test.
func (r *ExecutorRunner) RequestStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return false
	}
	r.current.RequestStop()
	return true
}

// ForceStop stops the in-flight run and closes its browser.
func (r *ExecutorRunner) ForceStop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.ForceStop()
}

// Status reports the run currently in flight, if any.
func (r *ExecutorRunner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.item == nil {
		return RunnerStatus{}
	}
	return RunnerStatus{
		Running:     true,
		ProjectID:   r.item.ProjectID,
		ProjectName: r.item.ProjectName,
		FeatureName: r.item.FeatureName,
		Reason:      r.item.Reason,
		StartedAt:   r.startedAt,
	}
}

func (r *ExecutorRunner) openDriver(ctx context.Context, item *QueuedTest) (browser.Driver, error) {
	if r.opts.NewDriver != nil {
		return r.opts.NewDriver(ctx)
	}
	cfg := r.opts.Browser
	if item.Headless != nil {
		cfg.Headless = *item.Headless
	}
	return browser.NewDriver(cfg, r.opts.Logger)
}

func (r *ExecutorRunner) loadTests(ctx context.Context, item *QueuedTest) ([]executor.UnifiedTestCase, error) {
	projectID, err := uuid.Parse(item.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("bad project id %q: %w", item.ProjectID, err)
	}
	if item.Kind == domain.FormatBehaviorDriven {
		return r.loadFeature(ctx, projectID, item)
	}
	return r.loadTestCases(ctx, projectID, item)
}

func (r *ExecutorRunner) loadFeature(ctx context.Context, projectID uuid.UUID, item *QueuedTest) ([]executor.UnifiedTestCase, error) {
	features, err := r.opts.Store.ListFeatures(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing features: %w", err)
	}
	for _, f := range features {
		if f.ID.String() != item.FeatureID {
			continue
		}
		tests := make([]executor.UnifiedTestCase, 0, len(f.Scenarios))
		for _, sc := range f.Scenarios {
			if item.ScenarioFilter != "" && !strings.Contains(strings.ToLower(sc.Name), strings.ToLower(item.ScenarioFilter)) {
				continue
			}
			tests = append(tests, executor.FromScenario(f.Name, f.Background, sc))
		}
		return tests, nil
	}
	return nil, fmt.Errorf("feature %s not found", item.FeatureID)
}

func (r *ExecutorRunner) loadTestCases(ctx context.Context, projectID uuid.UUID, item *QueuedTest) ([]executor.UnifiedTestCase, error) {
	cases, err := r.opts.Store.ListTestCases(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing test cases: %w", err)
	}
	wanted := make(map[string]bool, len(item.TestCaseIDs))
	for _, id := range item.TestCaseIDs {
		wanted[id] = true
	}
	tests := make([]executor.UnifiedTestCase, 0, len(cases))
	for _, tc := range cases {
		if len(wanted) > 0 && !wanted[tc.ID.String()] {
			continue
		}
		tests = append(tests, executor.FromActionTestCase(tc))
	}
	return tests, nil
}
