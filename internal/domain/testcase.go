package domain

import (
	"time"

	"github.com/google/uuid"
)

// Project is a test target: a base URL plus its test assets. Projects are
// enumerated by the orchestrator's discovery loop.
type Project struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	BaseURL   string    `json:"base_url" db:"base_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Feature groups behavior-driven scenarios under a project.
type Feature struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	ProjectID   uuid.UUID          `json:"project_id" db:"project_id"`
	Name        string             `json:"name" db:"name"`
	Description string             `json:"description,omitempty" db:"description"`
	Background  []BehaviorStep     `json:"background,omitempty"`
	Scenarios   []BehaviorScenario `json:"scenarios"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// BehaviorScenario is a behavior-driven test: a named ordered list of steps.
type BehaviorScenario struct {
	ID    uuid.UUID      `json:"id"`
	Name  string         `json:"name"`
	Tags  []string       `json:"tags,omitempty"`
	Steps []BehaviorStep `json:"steps"`
}

// BehaviorStep is one Given/When/Then line. Text is interpreted into a
// concrete action at execution time.
type BehaviorStep struct {
	Keyword string `json:"keyword"` // given, when, then, and
	Text    string `json:"text"`
}

// ActionTestCase is an action-based test: explicit actions with selectors.
type ActionTestCase struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	ProjectID uuid.UUID  `json:"project_id" db:"project_id"`
	Name      string     `json:"name" db:"name"`
	SuiteName string     `json:"suite_name,omitempty" db:"suite_name"`
	Tags      []string   `json:"tags,omitempty"`
	Steps     []TestStep `json:"steps"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// TestStep is one explicit action in an action-based test.
type TestStep struct {
	Order     int              `json:"order"`
	Action    ActionType       `json:"action"`
	Target    string           `json:"target,omitempty"` // element-key or behavior text
	Selector  string           `json:"selector,omitempty"`
	Strategy  SelectorStrategy `json:"strategy,omitempty"`
	Value     string           `json:"value,omitempty"`
	Keyword   string           `json:"keyword,omitempty"` // set for behavior steps
	Optional  bool             `json:"optional,omitempty"`
	TimeoutMs int              `json:"timeout_ms,omitempty"`
}

// Credentials carries login data a run may need. Values are injected into
// steps via {{username}} / {{password}} placeholders.
type Credentials struct {
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}
