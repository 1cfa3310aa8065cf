// Package handlers implements the agent HTTP surface: direct runs, the
// autonomous orchestrator sessions, knowledge movement, and report reads.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/executor"
	"github.com/testforge/autopilot/internal/orchestrator"
	"github.com/testforge/autopilot/pkg/httputil"
)

// AgentRunner executes one assembled test batch and exposes stop controls
// for the run in flight.
type AgentRunner interface {
	RunTests(ctx context.Context, item *orchestrator.QueuedTest, tests []executor.UnifiedTestCase) (*executor.UnifiedExecutionReport, error)
	RequestStop() bool
	ForceStop() error
	Status() orchestrator.RunnerStatus
}

// AgentHandler handles direct run, stop, and status requests
type AgentHandler struct {
	runner AgentRunner
	store  orchestrator.ProjectStore
	logger *zap.Logger
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(runner AgentRunner, store orchestrator.ProjectStore, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{runner: runner, store: store, logger: logger}
}

// RunRequest is the body of POST /agent/run. Exactly one of TestCases,
// FeatureID, or Feature selects what runs.
type RunRequest struct {
	ProjectID     string              `json:"projectId"`
	ProjectName   string              `json:"projectName"`
	BaseURL       string              `json:"baseUrl"`
	Headless      *bool               `json:"headless,omitempty"`
	ExecutionMode string              `json:"executionMode,omitempty"`
	TestCases     []InlineTestCase    `json:"testCases,omitempty"`
	FeatureID     string              `json:"featureId,omitempty"`
	Feature       *InlineFeature      `json:"feature,omitempty"`
	Credentials   *domain.Credentials `json:"credentials,omitempty"`
}

// InlineTestCase is an action-based test supplied in the request body.
type InlineTestCase struct {
	ID    string            `json:"id,omitempty"`
	Name  string            `json:"name"`
	Tags  []string          `json:"tags,omitempty"`
	Steps []domain.TestStep `json:"steps"`
}

// InlineFeature is a behavior-driven feature supplied in the request body.
type InlineFeature struct {
	Name       string                    `json:"name"`
	Background []domain.BehaviorStep     `json:"background,omitempty"`
	Scenarios  []domain.BehaviorScenario `json:"scenarios"`
}

// RunResponse is the synchronous result of POST /agent/run.
type RunResponse struct {
	ReportID string                       `json:"reportId"`
	Summary  RunSummary                   `json:"summary"`
	Results  []executor.UnifiedTestResult `json:"results"`
}

// RunSummary is the run-level roll-up inside a RunResponse.
type RunSummary struct {
	Status              domain.TestStatus `json:"status"`
	TotalTests          int               `json:"totalTests"`
	Passed              int               `json:"passed"`
	Failed              int               `json:"failed"`
	Skipped             int               `json:"skipped"`
	Duration            int64             `json:"duration"`
	PassRate            float64           `json:"passRate"`
	AIDependencyPercent float64           `json:"aiDependencyPercent"`
	NewSelectorsLearned int               `json:"newSelectorsLearned"`
	Partial             bool              `json:"partial"`
	StoppedByUser       bool              `json:"stoppedByUser"`
}

// Run handles POST /agent/run
func (h *AgentHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if err := h.validateRun(&req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	if h.runner.Status().Running {
		httputil.JSONError(w, http.StatusConflict, domain.ErrCodeConflict, "a run is already in progress")
		return
	}

	item, tests, err := h.assemble(r.Context(), &req)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	h.logger.Info("starting run",
		zap.String("project", item.ProjectName),
		zap.String("mode", string(item.Mode)),
		zap.Int("tests", len(tests)))

	report, err := h.runner.RunTests(r.Context(), item, tests)
	if err != nil {
		h.logger.Error("run failed", zap.String("project", item.ProjectName), zap.Error(err))
		httputil.ErrorFromDomain(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, RunResponse{
		ReportID: report.ID,
		Summary: RunSummary{
			Status:              report.Status,
			TotalTests:          report.TotalTests,
			Passed:              report.Passed,
			Failed:              report.Failed,
			Skipped:             report.Skipped,
			Duration:            report.Duration,
			PassRate:            report.PassRate,
			AIDependencyPercent: report.AIDependencyPercent,
			NewSelectorsLearned: report.NewSelectorsLearned,
			Partial:             report.Partial,
			StoppedByUser:       report.StoppedByUser,
		},
		Results: report.Results,
	})
}

// StopRequest is the body of POST /agent/stop.
type StopRequest struct {
	Force bool `json:"force,omitempty"`
}

// Stop handles POST /agent/stop
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.ErrorFromDomain(w, err)
			return
		}
	}

	stopped := h.runner.RequestStop()
	if req.Force {
		if err := h.runner.ForceStop(); err != nil {
			h.logger.Warn("force stop failed", zap.Error(err))
		}
	}

	httputil.JSON(w, http.StatusOK, map[string]any{
		"stopping": stopped,
		"forced":   req.Force,
	})
}

// Status handles GET /agent/status
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, h.runner.Status())
}

func (h *AgentHandler) validateRun(req *RunRequest) error {
	if req.ProjectName == "" {
		return domain.NewValidationError("projectName is required")
	}
	if req.BaseURL == "" {
		return domain.NewValidationError("baseUrl is required")
	}
	selectors := 0
	if len(req.TestCases) > 0 {
		selectors++
	}
	if req.FeatureID != "" {
		selectors++
	}
	if req.Feature != nil {
		selectors++
	}
	if selectors != 1 {
		return domain.NewValidationError("exactly one of testCases, featureId, or feature is required")
	}
	if req.ExecutionMode != "" && !domain.ExecutionMode(req.ExecutionMode).IsValid() {
		return domain.NewValidationError("executionMode must be autonomous, guided, or strict")
	}
	return nil
}

func (h *AgentHandler) assemble(ctx context.Context, req *RunRequest) (*orchestrator.QueuedTest, []executor.UnifiedTestCase, error) {
	item := &orchestrator.QueuedTest{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		ProjectName: req.ProjectName,
		BaseURL:     strings.TrimSpace(req.BaseURL),
		Priority:    domain.PriorityHigh,
		Reason:      orchestrator.ReasonManual,
		Credentials: req.Credentials,
		Mode:        domain.ExecutionMode(req.ExecutionMode),
		Headless:    req.Headless,
	}

	switch {
	case len(req.TestCases) > 0:
		item.Kind = domain.FormatActionBased
		tests := make([]executor.UnifiedTestCase, 0, len(req.TestCases))
		for _, tc := range req.TestCases {
			id := tc.ID
			if id == "" {
				id = uuid.NewString()
			}
			tests = append(tests, executor.UnifiedTestCase{
				ID:     id,
				Name:   tc.Name,
				Format: domain.FormatActionBased,
				Tags:   tc.Tags,
				Steps:  tc.Steps,
			})
		}
		return item, tests, nil

	case req.Feature != nil:
		item.Kind = domain.FormatBehaviorDriven
		item.FeatureName = req.Feature.Name
		tests := make([]executor.UnifiedTestCase, 0, len(req.Feature.Scenarios))
		for _, sc := range req.Feature.Scenarios {
			if sc.ID == uuid.Nil {
				sc.ID = uuid.New()
			}
			tests = append(tests, executor.FromScenario(req.Feature.Name, req.Feature.Background, sc))
		}
		return item, tests, nil

	default:
		featureID, err := uuid.Parse(req.FeatureID)
		if err != nil {
			return nil, nil, domain.NewValidationError("featureId must be a UUID")
		}
		projectID, err := uuid.Parse(req.ProjectID)
		if err != nil {
			return nil, nil, domain.NewValidationError("projectId must be a UUID when featureId is used")
		}
		feature, err := h.lookupFeature(ctx, projectID, featureID)
		if err != nil {
			return nil, nil, err
		}
		item.Kind = domain.FormatBehaviorDriven
		item.FeatureID = feature.ID.String()
		item.FeatureName = feature.Name
		tests := make([]executor.UnifiedTestCase, 0, len(feature.Scenarios))
		for _, sc := range feature.Scenarios {
			tests = append(tests, executor.FromScenario(feature.Name, feature.Background, sc))
		}
		return item, tests, nil
	}
}

func (h *AgentHandler) lookupFeature(ctx context.Context, projectID, featureID uuid.UUID) (*domain.Feature, error) {
	features, err := h.store.ListFeatures(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range features {
		if features[i].ID == featureID {
			return &features[i], nil
		}
	}
	return nil, domain.NewNotFoundError("feature", featureID.String())
}
