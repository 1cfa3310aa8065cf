package domain

// Common closed sets shared across the execution core.

// Priority orders queued work. Lower ordinal runs first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

func (p Priority) IsValid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority maps a string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	case "background":
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

// SelectorStrategy is the lookup strategy used to resolve a selector string
// against the DOM.
type SelectorStrategy string

const (
	StrategyCSS         SelectorStrategy = "css"
	StrategyXPath       SelectorStrategy = "xpath"
	StrategyText        SelectorStrategy = "text"
	StrategyPlaceholder SelectorStrategy = "placeholder"
	StrategyLabel       SelectorStrategy = "label"
	StrategyRole        SelectorStrategy = "role"
	StrategyAria        SelectorStrategy = "aria"
	StrategyTestID      SelectorStrategy = "test_id"
)

func (s SelectorStrategy) IsValid() bool {
	switch s {
	case StrategyCSS, StrategyXPath, StrategyText, StrategyPlaceholder,
		StrategyLabel, StrategyRole, StrategyAria, StrategyTestID:
		return true
	}
	return false
}

// LearnedFrom tags the provenance of a learned selector.
type LearnedFrom string

const (
	LearnedFromRecording   LearnedFrom = "recording"
	LearnedFromExploration LearnedFrom = "exploration"
	LearnedFromExecution   LearnedFrom = "execution"
	LearnedFromAI          LearnedFrom = "ai"
	LearnedFromManual      LearnedFrom = "manual"
)

// TestFormat distinguishes the two test representations the unified executor
// accepts.
type TestFormat string

const (
	FormatActionBased    TestFormat = "action_based"
	FormatBehaviorDriven TestFormat = "behavior_driven"
)

// ExecutionMode controls how much AI fallback a run is allowed to use.
type ExecutionMode string

const (
	// ModeAutonomous allows the broadest AI fallback.
	ModeAutonomous ExecutionMode = "autonomous"
	// ModeGuided allows AI only for selector resolution, never for action
	// interpretation.
	ModeGuided ExecutionMode = "guided"
	// ModeStrict disables AI entirely; steps fail when local tiers cannot
	// resolve them.
	ModeStrict ExecutionMode = "strict"
)

func (m ExecutionMode) IsValid() bool {
	switch m {
	case ModeAutonomous, ModeGuided, ModeStrict:
		return true
	}
	return false
}

// TestStatus is the outcome of a test or a whole run.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusSkipped TestStatus = "skipped"
	StatusPartial TestStatus = "partial"
)

// ActionType is the closed set of atomic browser actions.
type ActionType string

const (
	ActionNavigate      ActionType = "navigate"
	ActionClick         ActionType = "click"
	ActionFill          ActionType = "fill"
	ActionType_         ActionType = "type"
	ActionSelect        ActionType = "select"
	ActionCheck         ActionType = "check"
	ActionUncheck       ActionType = "uncheck"
	ActionHover         ActionType = "hover"
	ActionWait          ActionType = "wait"
	ActionPressKey      ActionType = "press_key"
	ActionScroll        ActionType = "scroll"
	ActionScreenshot    ActionType = "screenshot"
	ActionAssertVisible ActionType = "assert_visible"
	ActionAssertText    ActionType = "assert_text"
	ActionAssertURL     ActionType = "assert_url"
	// ActionBehaviorStep marks a behavior-driven step awaiting interpretation.
	ActionBehaviorStep ActionType = "behavior_step"
)

func (a ActionType) IsValid() bool {
	switch a {
	case ActionNavigate, ActionClick, ActionFill, ActionType_, ActionSelect,
		ActionCheck, ActionUncheck, ActionHover, ActionWait, ActionPressKey,
		ActionScroll, ActionScreenshot, ActionAssertVisible, ActionAssertText,
		ActionAssertURL, ActionBehaviorStep:
		return true
	}
	return false
}

// IsAssertion reports whether the action verifies state rather than mutating it.
func (a ActionType) IsAssertion() bool {
	return a == ActionAssertVisible || a == ActionAssertText || a == ActionAssertURL
}
