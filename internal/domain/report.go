package domain

import "time"

// Report statuses
const (
	ReportStatusPassed  = "passed"
	ReportStatusFailed  = "failed"
	ReportStatusError   = "error"
	ReportStatusStopped = "stopped"
)

// Report is the stable on-disk execution report contract. Field names are part
// of the public JSON shape and must not change.
type Report struct {
	ID                  string        `json:"id"`
	ProjectID           string        `json:"projectId"`
	ProjectName         string        `json:"projectName"`
	ExecutedAt          time.Time     `json:"executedAt"`
	CompletedAt         time.Time     `json:"completedAt"`
	Status              string        `json:"status"`
	TotalTests          int           `json:"totalTests"`
	Passed              int           `json:"passed"`
	Failed              int           `json:"failed"`
	Skipped             int           `json:"skipped"`
	Duration            float64       `json:"duration"` // seconds
	Results             []TestResult  `json:"results"`
	Format              TestFormat    `json:"format"`
	ExecutionMode       ExecutionMode `json:"executionMode"`
	PassRate            float64       `json:"passRate"`
	TotalAICalls        int           `json:"totalAiCalls"`
	TotalKBHits         int           `json:"totalKbHits"`
	AIDependencyPercent float64       `json:"aiDependencyPercent"`
	NewSelectorsLearned int           `json:"newSelectorsLearned"`
	Errors              []string      `json:"errors"`

	// Stop protocol markers, set only on partial reports.
	Partial       bool `json:"partial,omitempty"`
	StoppedByUser bool `json:"stopped_by_user,omitempty"`
}

// TestResult is one test's outcome inside a report.
type TestResult struct {
	TestCaseID     string   `json:"testCaseId"`
	TestCaseName   string   `json:"testCaseName"`
	Status         string   `json:"status"`
	Duration       float64  `json:"duration"` // seconds
	ErrorMessage   string   `json:"errorMessage,omitempty"`
	FailedStep     string   `json:"failedStep,omitempty"`
	ScreenshotPath string   `json:"screenshotPath,omitempty"`
	Logs           []string `json:"logs"`
}

// ComputePassRate fills the derived summary fields from Results.
func (r *Report) ComputePassRate() {
	r.TotalTests = len(r.Results)
	r.Passed, r.Failed, r.Skipped = 0, 0, 0
	for _, res := range r.Results {
		switch res.Status {
		case ReportStatusPassed:
			r.Passed++
		case ReportStatusFailed, ReportStatusError:
			r.Failed++
		default:
			r.Skipped++
		}
	}
	if r.TotalTests > 0 {
		r.PassRate = float64(r.Passed) / float64(r.TotalTests) * 100
	}
	if r.Failed > 0 {
		r.Status = ReportStatusFailed
	} else if r.TotalTests > 0 && r.Passed == r.TotalTests {
		r.Status = ReportStatusPassed
	}
}
