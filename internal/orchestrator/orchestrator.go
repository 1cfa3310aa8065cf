package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/executor"
	"github.com/testforge/autopilot/internal/observability"
)

// ProjectStore enumerates the test assets the discovery loop feeds on.
type ProjectStore interface {
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListFeatures(ctx context.Context, projectID uuid.UUID) ([]domain.Feature, error)
	ListTestCases(ctx context.Context, projectID uuid.UUID) ([]domain.ActionTestCase, error)
}

// Runner executes one queued item and returns the run report.
type Runner interface {
	Run(ctx context.Context, item *QueuedTest) (*executor.UnifiedExecutionReport, error)
}

// Statistics is the orchestrator's counters snapshot.
type Statistics struct {
	Running        bool      `json:"running"`
	Paused         bool      `json:"paused"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	TotalExecuted  int64     `json:"total_executed"`
	TotalPassed    int64     `json:"total_passed"`
	TotalFailed    int64     `json:"total_failed"`
	TotalSkipped   int64     `json:"total_skipped"`
	TotalRetried   int64     `json:"total_retried"`
	DiscoveryRuns  int64     `json:"discovery_runs"`
	RegressionRuns int64     `json:"regression_runs"`
	LastRegression time.Time `json:"last_regression,omitempty"`
	QueueDepth     int       `json:"queue_depth"`
	QueueDropped   int64     `json:"queue_dropped"`
}

// Orchestrator is the process-wide autonomous execution service: an execution
// loop draining the priority queue and a discovery loop filling it. Exactly
// one instance runs per process; Start on a running instance is an error.
type Orchestrator struct {
	logger *zap.Logger
	cfg    config.OrchestratorConfig
	store  ProjectStore
	runner Runner
	queue  *priorityQueue

	mu             sync.Mutex
	running        bool
	paused         bool
	startedAt      time.Time
	history        []*QueuedTest
	seen           map[string]struct{}
	lastRun        map[string]time.Time
	lastRegression time.Time
	stats          Statistics
	droppedSynced  int64

	stopCh   chan struct{}
	execDone chan struct{}
	discDone chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

// New builds the orchestrator. Store and runner are required.
func New(cfg config.OrchestratorConfig, store ProjectStore, runner Runner, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		logger:  logger,
		cfg:     cfg,
		store:   store,
		runner:  runner,
		queue:   newPriorityQueue(cfg.MaxQueueSize),
		seen:    make(map[string]struct{}),
		lastRun: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Start launches the execution and discovery loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.startedAt = o.now()
	// The first discovery sweep covers everything, so regression starts
	// counting from process start.
	if o.lastRegression.IsZero() {
		o.lastRegression = o.startedAt
	}
	o.stopCh = make(chan struct{})
	o.execDone = make(chan struct{})
	o.discDone = make(chan struct{})
	o.mu.Unlock()

	o.logger.Info("orchestrator started",
		zap.Duration("poll_interval", o.cfg.PollInterval),
		zap.Duration("discovery_interval", o.cfg.DiscoveryInterval))

	go o.executionLoop(ctx)
	go o.discoveryLoop(ctx)
	return nil
}

// Stop shuts both loops down, waiting up to 30s for execution and 10s for
// discovery before giving up.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	stopCh, execDone, discDone := o.stopCh, o.execDone, o.discDone
	o.mu.Unlock()

	close(stopCh)
	waitOrTimeout(execDone, 30*time.Second)
	waitOrTimeout(discDone, 10*time.Second)
	o.logger.Info("orchestrator stopped")
}

func waitOrTimeout(done <-chan struct{}, d time.Duration) {
	select {
	case <-done:
	case <-time.After(d):
	}
}

// Pause holds execution; queued work stays queued. Discovery keeps filling
// the queue.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.logger.Info("orchestrator paused")
}

// Resume lifts a pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.logger.Info("orchestrator resumed")
}

// QueueFeature enqueues one feature run at the given priority.
func (o *Orchestrator) QueueFeature(ctx context.Context, projectID, featureID uuid.UUID, priority domain.Priority) (*QueuedTest, error) {
	project, feature, err := o.lookupFeature(ctx, projectID, featureID)
	if err != nil {
		return nil, err
	}
	item := &QueuedTest{
		ID:          uuid.NewString(),
		ProjectID:   project.ID.String(),
		ProjectName: project.Name,
		BaseURL:     project.BaseURL,
		Kind:        domain.FormatBehaviorDriven,
		FeatureID:   feature.ID.String(),
		FeatureName: feature.Name,
		Priority:    priority,
		Reason:      ReasonManual,
		Status:      QueuePending,
		CreatedAt:   o.now(),
		MaxRetries:  o.cfg.MaxRetries,
	}
	if !o.enqueue(item) {
		return nil, fmt.Errorf("queue full, %s rejected", feature.Name)
	}
	return item, nil
}

// QueueProjectTests enqueues the project's action-based test cases as one run.
func (o *Orchestrator) QueueProjectTests(ctx context.Context, projectID uuid.UUID, priority domain.Priority) (*QueuedTest, error) {
	project, err := o.lookupProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	cases, err := o.store.ListTestCases(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing test cases: %w", err)
	}
	ids := make([]string, 0, len(cases))
	for _, tc := range cases {
		ids = append(ids, tc.ID.String())
	}
	item := &QueuedTest{
		ID:          uuid.NewString(),
		ProjectID:   project.ID.String(),
		ProjectName: project.Name,
		BaseURL:     project.BaseURL,
		Kind:        domain.FormatActionBased,
		TestCaseIDs: ids,
		Priority:    priority,
		Reason:      ReasonManual,
		Status:      QueuePending,
		CreatedAt:   o.now(),
		MaxRetries:  o.cfg.MaxRetries,
	}
	if !o.enqueue(item) {
		return nil, fmt.Errorf("queue full, %s rejected", project.Name)
	}
	return item, nil
}

// GetStatistics returns a counters snapshot.
func (o *Orchestrator) GetStatistics() Statistics {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Running = o.running
	s.Paused = o.paused
	s.StartedAt = o.startedAt
	s.LastRegression = o.lastRegression
	s.QueueDepth = o.queue.Len()
	s.QueueDropped = o.queue.Dropped()
	return s
}

// GetQueueStatus returns per-priority queue depths.
func (o *Orchestrator) GetQueueStatus() map[string]int {
	return o.queue.Snapshot()
}

// GetExecutionHistory returns finished items, newest first.
func (o *Orchestrator) GetExecutionHistory(limit int) []*QueuedTest {
	if limit <= 0 {
		limit = 50
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*QueuedTest, 0, limit)
	for i := len(o.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, o.history[i])
	}
	return out
}

func (o *Orchestrator) executionLoop(ctx context.Context) {
	defer close(o.execDone)
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		o.mu.Lock()
		paused := o.paused
		o.mu.Unlock()
		if paused {
			o.sleep(o.cfg.PollInterval)
			continue
		}

		item := o.queue.Dequeue()
		if item == nil {
			o.idle(ctx)
			continue
		}
		o.updateQueueMetrics()
		o.executeItem(ctx, item)
	}
}

// idle never leaves the loop doing nothing: retry eligible failures, then
// regression if due, then sleep one poll interval.
func (o *Orchestrator) idle(ctx context.Context) {
	if o.retryFailed() {
		return
	}
	if o.regressionDue() {
		o.runRegression(ctx)
		return
	}
	o.sleep(o.cfg.PollInterval)
}

// retryFailed re-enqueues failed history entries whose cooldown elapsed.
func (o *Orchestrator) retryFailed() bool {
	now := o.now()
	var eligible []*QueuedTest

	o.mu.Lock()
	for _, item := range o.history {
		if item.Status != QueueFailed {
			continue
		}
		if item.RetryCount >= item.MaxRetries {
			continue
		}
		if now.Sub(item.CompletedAt) < o.cfg.RetryCooldown {
			continue
		}
		if o.queue.Contains(item.ProjectID, item.FeatureID) {
			continue
		}
		item.Status = QueueRetrying
		eligible = append(eligible, item)
	}
	o.mu.Unlock()

	for _, failed := range eligible {
		retry := *failed
		retry.ID = uuid.NewString()
		retry.Status = QueuePending
		retry.Reason = ReasonRetry
		retry.RetryCount++
		retry.CreatedAt = now
		retry.StartedAt = time.Time{}
		retry.CompletedAt = time.Time{}
		retry.Result = nil
		if o.enqueue(&retry) {
			o.mu.Lock()
			o.stats.TotalRetried++
			o.mu.Unlock()
			observability.GetMetrics().RetriesTotal.Inc()
			o.logger.Info("retrying failed test",
				zap.String("project", failed.ProjectName),
				zap.String("feature", failed.FeatureName),
				zap.Int("attempt", retry.RetryCount))
		} else {
			// A rejected enqueue must not strand the item in retrying,
			// or it would never be reconsidered.
			o.mu.Lock()
			failed.Status = QueueFailed
			o.mu.Unlock()
		}
	}
	return len(eligible) > 0
}

func (o *Orchestrator) regressionDue() bool {
	if !o.cfg.ContinuousRegression {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now().Sub(o.lastRegression) >= o.cfg.RegressionInterval
}

// runRegression enqueues every known feature and test suite at background
// priority.
func (o *Orchestrator) runRegression(ctx context.Context) {
	o.mu.Lock()
	o.lastRegression = o.now()
	o.stats.RegressionRuns++
	o.mu.Unlock()
	observability.GetMetrics().RegressionRuns.Inc()

	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		o.logger.Warn("regression sweep failed to list projects", zap.Error(err))
		return
	}
	enqueued := 0
	for _, p := range projects {
		features, err := o.store.ListFeatures(ctx, p.ID)
		if err != nil {
			o.logger.Warn("regression sweep failed to list features",
				zap.String("project", p.Name), zap.Error(err))
			continue
		}
		for _, f := range features {
			if o.queue.Contains(p.ID.String(), f.ID.String()) {
				continue
			}
			item := &QueuedTest{
				ID:          uuid.NewString(),
				ProjectID:   p.ID.String(),
				ProjectName: p.Name,
				BaseURL:     p.BaseURL,
				Kind:        domain.FormatBehaviorDriven,
				FeatureID:   f.ID.String(),
				FeatureName: f.Name,
				Priority:    domain.PriorityBackground,
				Reason:      ReasonRegression,
				Status:      QueuePending,
				CreatedAt:   o.now(),
				MaxRetries:  o.cfg.MaxRetries,
			}
			if o.enqueue(item) {
				enqueued++
			}
		}
	}
	o.logger.Info("regression sweep enqueued", zap.Int("count", enqueued))
}

func (o *Orchestrator) executeItem(ctx context.Context, item *QueuedTest) {
	key := item.ProjectID + ":" + item.FeatureID

	o.mu.Lock()
	last, ran := o.lastRun[key]
	o.mu.Unlock()
	// Discovery and regression runs dedup against recent executions;
	// manual and retry runs always go through.
	if ran && o.now().Sub(last) < o.cfg.MinTimeBetweenRuns &&
		(item.Reason == ReasonDiscovery || item.Reason == ReasonRegression) {
		item.Status = QueueSkipped
		item.CompletedAt = o.now()
		o.recordHistory(item)
		o.mu.Lock()
		o.stats.TotalSkipped++
		o.mu.Unlock()
		return
	}

	item.Status = QueueRunning
	item.StartedAt = o.now()
	o.logger.Info("executing queued test",
		zap.String("project", item.ProjectName),
		zap.String("feature", item.FeatureName),
		zap.String("reason", string(item.Reason)),
		zap.String("priority", item.Priority.String()))

	report, err := o.runner.Run(ctx, item)
	item.CompletedAt = o.now()

	o.mu.Lock()
	o.lastRun[key] = item.CompletedAt
	o.stats.TotalExecuted++
	o.mu.Unlock()

	if err != nil {
		item.Status = QueueFailed
		item.Result = &RunSummary{Error: err.Error()}
		o.mu.Lock()
		o.stats.TotalFailed++
		o.mu.Unlock()
		o.logger.Warn("queued test failed",
			zap.String("project", item.ProjectName),
			zap.String("feature", item.FeatureName),
			zap.Error(err))
	} else {
		item.Result = &RunSummary{
			ReportID: report.ID,
			Passed:   report.Passed,
			Failed:   report.Failed,
			Skipped:  report.Skipped,
			PassRate: report.PassRate,
			Duration: report.Duration,
		}
		if report.Status == domain.StatusPassed {
			item.Status = QueueCompleted
			o.mu.Lock()
			o.stats.TotalPassed++
			o.mu.Unlock()
		} else {
			item.Status = QueueFailed
			o.mu.Lock()
			o.stats.TotalFailed++
			o.mu.Unlock()
		}
		observability.GetMetrics().RecordTestExecution(
			string(report.Status), string(report.Format),
			item.CompletedAt.Sub(item.StartedAt))
	}
	o.recordHistory(item)
}

func (o *Orchestrator) recordHistory(item *QueuedTest) {
	limit := o.cfg.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	o.mu.Lock()
	o.history = append(o.history, item)
	if len(o.history) > limit {
		o.history = o.history[len(o.history)-limit:]
	}
	o.mu.Unlock()
}

func (o *Orchestrator) enqueue(item *QueuedTest) bool {
	ok := o.queue.Enqueue(item)
	o.updateQueueMetrics()
	if !ok {
		o.logger.Warn("queue rejected item",
			zap.String("project", item.ProjectName),
			zap.String("priority", item.Priority.String()))
	}
	return ok
}

func (o *Orchestrator) updateQueueMetrics() {
	m := observability.GetMetrics()
	m.SetQueueDepth(o.queue.Snapshot())
	o.mu.Lock()
	if d := o.queue.Dropped(); d > o.droppedSynced {
		for i := o.droppedSynced; i < d; i++ {
			m.QueueDropped.Inc()
		}
		o.droppedSynced = d
	}
	o.mu.Unlock()
}

// sleep waits for d or until stop, whichever first.
func (o *Orchestrator) sleep(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-o.stopCh:
	case <-time.After(d):
	}
}

func (o *Orchestrator) lookupProject(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	for i := range projects {
		if projects[i].ID == projectID {
			return &projects[i], nil
		}
	}
	return nil, fmt.Errorf("project %s not found", projectID)
}

func (o *Orchestrator) lookupFeature(ctx context.Context, projectID, featureID uuid.UUID) (*domain.Project, *domain.Feature, error) {
	project, err := o.lookupProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	features, err := o.store.ListFeatures(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing features: %w", err)
	}
	for i := range features {
		if features[i].ID == featureID {
			return project, &features[i], nil
		}
	}
	return nil, nil, fmt.Errorf("feature %s not found in project %s", featureID, projectID)
}
