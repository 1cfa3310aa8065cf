package domain

import (
	"errors"
	"testing"
)

func TestPriorityOrdering(t *testing.T) {
	if PriorityCritical >= PriorityHigh {
		t.Error("critical must order before high")
	}
	if PriorityLow >= PriorityBackground {
		t.Error("low must order before background")
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"high", PriorityHigh},
		{"normal", PriorityNormal},
		{"low", PriorityLow},
		{"background", PriorityBackground},
		{"", PriorityNormal},
		{"bogus", PriorityNormal},
	}

	for _, tt := range tests {
		if got := ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSelectorStrategyIsValid(t *testing.T) {
	valid := []SelectorStrategy{
		StrategyCSS, StrategyXPath, StrategyText, StrategyPlaceholder,
		StrategyLabel, StrategyRole, StrategyAria, StrategyTestID,
	}
	for _, s := range valid {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if SelectorStrategy("jquery").IsValid() {
		t.Error("unknown strategy should be invalid")
	}
}

func TestActionTypeAssertions(t *testing.T) {
	if !ActionAssertVisible.IsAssertion() || !ActionAssertText.IsAssertion() || !ActionAssertURL.IsAssertion() {
		t.Error("assert actions must report IsAssertion")
	}
	if ActionClick.IsAssertion() {
		t.Error("click is not an assertion")
	}
}

func TestExecutionModeIsValid(t *testing.T) {
	for _, m := range []ExecutionMode{ModeAutonomous, ModeGuided, ModeStrict} {
		if !m.IsValid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if ExecutionMode("yolo").IsValid() {
		t.Error("unknown mode should be invalid")
	}
}

func TestAppErrorCodes(t *testing.T) {
	err := NewElementNotFoundError("#submit").WithElement("example.com", "/login", "login_submit")

	if !IsCode(err, ErrCodeElementNotFound) {
		t.Error("expected ELEMENT_NOT_FOUND code")
	}
	if !IsRetryable(err) {
		t.Error("element-not-found should be retryable")
	}
	if err.Metadata["element_key"] != "login_submit" {
		t.Errorf("element_key = %v", err.Metadata["element_key"])
	}

	budget := NewBudgetExceededError()
	if budget.Message != "Budget limit reached" {
		t.Errorf("budget message = %q", budget.Message)
	}
	if IsRetryable(budget) {
		t.Error("budget denial is not retryable")
	}
}

func TestAppErrorIsAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewProviderError("claude", cause)

	if !errors.Is(err, NewProviderError("other", nil)) {
		t.Error("errors.Is should match on code")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should unwrap")
	}
}

func TestReportComputePassRate(t *testing.T) {
	r := &Report{
		Results: []TestResult{
			{Status: ReportStatusPassed},
			{Status: ReportStatusPassed},
			{Status: ReportStatusFailed},
			{Status: "skipped"},
		},
	}
	r.ComputePassRate()

	if r.TotalTests != 4 || r.Passed != 2 || r.Failed != 1 || r.Skipped != 1 {
		t.Errorf("counts = %d/%d/%d/%d", r.TotalTests, r.Passed, r.Failed, r.Skipped)
	}
	if r.PassRate != 50 {
		t.Errorf("pass rate = %v, want 50", r.PassRate)
	}
	if r.Status != ReportStatusFailed {
		t.Errorf("status = %q, want failed", r.Status)
	}
}

func TestReportEmptyResultsPasses(t *testing.T) {
	r := &Report{Status: ReportStatusPassed}
	r.ComputePassRate()

	if r.TotalTests != 0 || r.Status != ReportStatusPassed {
		t.Errorf("empty report should stay passed, got %q", r.Status)
	}
}
