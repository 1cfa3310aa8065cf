// Package orchestrator runs the autonomous execution service: a priority
// queue of discovered test work, an execution loop, and discovery/regression
// scheduling.
package orchestrator

import (
	"sync"
	"time"

	"github.com/testforge/autopilot/internal/domain"
)

// Reason records why a test entered the queue.
type Reason string

const (
	ReasonManual     Reason = "manual"
	ReasonDiscovery  Reason = "discovery"
	ReasonRegression Reason = "regression"
	ReasonRetry      Reason = "retry"
)

// QueueStatus is the lifecycle state of a queued test.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueRunning   QueueStatus = "running"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
	QueueRetrying  QueueStatus = "retrying"
	QueueSkipped   QueueStatus = "skipped"
)

// QueuedTest is one unit of queued work: a feature or a project's test-case
// set, bound to the project it runs against.
type QueuedTest struct {
	ID             string              `json:"id"`
	ProjectID      string              `json:"project_id"`
	ProjectName    string              `json:"project_name"`
	BaseURL        string              `json:"base_url"`
	Kind           domain.TestFormat   `json:"kind"`
	FeatureID      string              `json:"feature_id,omitempty"`
	FeatureName    string              `json:"feature_name,omitempty"`
	ScenarioFilter string              `json:"scenario_filter,omitempty"`
	TestCaseIDs    []string            `json:"test_case_ids,omitempty"`
	Priority       domain.Priority     `json:"priority"`
	Reason         Reason              `json:"reason"`
	Status         QueueStatus         `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      time.Time           `json:"started_at,omitempty"`
	CompletedAt    time.Time           `json:"completed_at,omitempty"`
	RetryCount     int                 `json:"retry_count"`
	MaxRetries     int                 `json:"max_retries"`
	Credentials    *domain.Credentials `json:"credentials,omitempty"`
	Result         *RunSummary         `json:"result,omitempty"`

	// Per-item overrides for API-triggered runs. Zero values fall back to
	// the runner's configuration.
	Mode     domain.ExecutionMode `json:"mode,omitempty"`
	Headless *bool                `json:"headless,omitempty"`
}

// RunSummary is the compact per-item outcome kept in execution history.
type RunSummary struct {
	ReportID string  `json:"report_id"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	PassRate float64 `json:"pass_rate"`
	Duration int64   `json:"duration_ms"`
	Error    string  `json:"error,omitempty"`
}

// priorityQueue holds five FIFO lanes, one per priority. Dequeue drains the
// most urgent non-empty lane. On overflow the newest entry of the least
// urgent non-empty lane is dropped; critical work is never rejected.
type priorityQueue struct {
	mu      sync.Mutex
	lanes   [5][]*QueuedTest
	size    int
	max     int
	dropped int64
}

func newPriorityQueue(max int) *priorityQueue {
	if max <= 0 {
		max = 1000
	}
	return &priorityQueue{max: max}
}

func lane(p domain.Priority) int {
	if !p.IsValid() {
		p = domain.PriorityNormal
	}
	return int(p) - 1
}

// Enqueue adds an item, evicting lower-priority work when full. Returns false
// when the item was rejected.
func (q *priorityQueue) Enqueue(item *QueuedTest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.max {
		victim := q.leastUrgentLaneLocked()
		// Evict only work that is no more urgent than the newcomer;
		// critical items may evict anything, including other criticals.
		if victim < lane(item.Priority) && item.Priority != domain.PriorityCritical {
			q.dropped++
			return false
		}
		q.lanes[victim] = q.lanes[victim][:len(q.lanes[victim])-1]
		q.size--
		q.dropped++
	}
	q.lanes[lane(item.Priority)] = append(q.lanes[lane(item.Priority)], item)
	q.size++
	return true
}

// Dequeue pops the oldest item from the most urgent non-empty lane.
func (q *priorityQueue) Dequeue() *QueuedTest {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < len(q.lanes); i++ {
		if len(q.lanes[i]) == 0 {
			continue
		}
		item := q.lanes[i][0]
		q.lanes[i] = q.lanes[i][1:]
		q.size--
		return item
	}
	return nil
}

func (q *priorityQueue) leastUrgentLaneLocked() int {
	for i := len(q.lanes) - 1; i >= 0; i-- {
		if len(q.lanes[i]) > 0 {
			return i
		}
	}
	return len(q.lanes) - 1
}

func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Contains reports whether an entry for the same feature is already queued.
func (q *priorityQueue) Contains(projectID, featureID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.lanes {
		for _, item := range q.lanes[i] {
			if item.ProjectID == projectID && item.FeatureID == featureID {
				return true
			}
		}
	}
	return false
}

// Snapshot returns queue depth per priority name.
func (q *priorityQueue) Snapshot() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.lanes))
	for i := range q.lanes {
		out[domain.Priority(i+1).String()] = len(q.lanes[i])
	}
	return out
}

func (q *priorityQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
