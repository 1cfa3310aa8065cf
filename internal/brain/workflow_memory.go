package brain

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkflowEntry is one remembered multi-page flow.
type WorkflowEntry struct {
	Name           string   `json:"name"`
	PageSequence   []string `json:"page_sequence"`
	ActionSequence []string `json:"action_sequence,omitempty"`
	AvgDurationMs  int64    `json:"avg_duration_ms"`
	Completions    int      `json:"completions"`
	Failures       int      `json:"failures"`
	// Step index where the flow last broke, -1 when it never has.
	LastFailureStep int       `json:"last_failure_step"`
	LastSeen        time.Time `json:"last_seen"`
}

// SuccessRate is completions over total runs.
func (w *WorkflowEntry) SuccessRate() float64 {
	total := w.Completions + w.Failures
	if total == 0 {
		return 0
	}
	return float64(w.Completions) / float64(total)
}

// transition counts observed page-type successions per triggering action.
type transition struct {
	From   string `json:"from"`
	Action string `json:"action"`
	To     string `json:"to"`
	Count  int    `json:"count"`
}

type workflowFile struct {
	Workflows   []*WorkflowEntry `json:"workflows"`
	Transitions []*transition    `json:"transitions"`
}

// WorkflowMemory remembers completed multi-page flows and the page transitions
// inside them, so the decision engine can predict where an action leads.
type WorkflowMemory struct {
	logger *zap.Logger
	path   string

	mu          sync.Mutex
	workflows   map[string]*WorkflowEntry
	transitions []*transition
	dirty       bool
}

// NewWorkflowMemory loads the memory file if present.
func NewWorkflowMemory(path string, logger *zap.Logger) *WorkflowMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &WorkflowMemory{
		logger:    logger,
		path:      path,
		workflows: make(map[string]*WorkflowEntry),
	}
	m.load()
	return m
}

func (m *WorkflowMemory) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var f workflowFile
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Warn("corrupt workflow memory skipped", zap.Error(err))
		return
	}
	for _, w := range f.Workflows {
		m.workflows[w.Name] = w
	}
	m.transitions = f.Transitions
}

// RememberWorkflow records one run of a named flow. failureStep is the
// zero-based step where it broke; pass -1 for completed runs.
func (m *WorkflowMemory) RememberWorkflow(name string, pageSequence, actionSequence []string, durationMs int64, completed bool, failureStep int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workflows[name]
	if !ok {
		w = &WorkflowEntry{Name: name, LastFailureStep: -1}
		m.workflows[name] = w
	}
	w.PageSequence = append([]string(nil), pageSequence...)
	w.ActionSequence = append([]string(nil), actionSequence...)
	w.LastSeen = time.Now().UTC()
	if completed {
		w.Completions++
		if durationMs > 0 {
			if w.AvgDurationMs == 0 {
				w.AvgDurationMs = durationMs
			} else {
				w.AvgDurationMs = (w.AvgDurationMs*int64(w.Completions-1) + durationMs) / int64(w.Completions)
			}
		}
	} else {
		w.Failures++
		w.LastFailureStep = failureStep
	}

	// Transitions only come from completed runs; broken flows would teach
	// dead ends.
	if completed {
		for i := 0; i+1 < len(pageSequence); i++ {
			action := ""
			if i < len(actionSequence) {
				action = actionSequence[i]
			}
			m.recordTransitionLocked(pageSequence[i], action, pageSequence[i+1])
		}
	}
	m.dirty = true
}

func (m *WorkflowMemory) recordTransitionLocked(from, action, to string) {
	for _, t := range m.transitions {
		if t.From == from && t.Action == action && t.To == to {
			t.Count++
			return
		}
	}
	m.transitions = append(m.transitions, &transition{From: from, Action: action, To: to, Count: 1})
}

// PredictNextPage returns the most frequently observed successor page type for
// the current page and action, with a confidence derived from observation
// share. Empty action matches any action.
func (m *WorkflowMemory) PredictNextPage(currentPageType, lastAction string) (string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	total := 0
	for _, t := range m.transitions {
		if t.From != currentPageType {
			continue
		}
		if lastAction != "" && t.Action != "" && t.Action != lastAction {
			continue
		}
		counts[t.To] += t.Count
		total += t.Count
	}
	if total == 0 {
		return "", 0
	}
	best := ""
	bestCount := 0
	for to, c := range counts {
		if c > bestCount || (c == bestCount && to < best) {
			best, bestCount = to, c
		}
	}
	return best, float64(bestCount) / float64(total)
}

// GetWorkflow returns a copy of the named workflow, or nil.
func (m *WorkflowMemory) GetWorkflow(name string) *WorkflowEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[name]
	if !ok {
		return nil
	}
	cp := *w
	cp.PageSequence = append([]string(nil), w.PageSequence...)
	cp.ActionSequence = append([]string(nil), w.ActionSequence...)
	return &cp
}

// Decay removes workflows not seen within maxAgeDays.
func (m *WorkflowMemory) Decay(maxAgeDays int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for name, w := range m.workflows {
		if w.LastSeen.Before(cutoff) {
			delete(m.workflows, name)
			removed++
		}
	}
	if removed > 0 {
		m.dirty = true
	}
	return removed
}

// Flush persists the memory if dirty.
func (m *WorkflowMemory) Flush() error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	f := workflowFile{Transitions: m.transitions}
	for _, w := range m.workflows {
		f.Workflows = append(f.Workflows, w)
	}
	data, err := json.MarshalIndent(&f, "", "  ")
	m.dirty = false
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(m.path, data)
}

// GetStats returns workflow and transition counts.
func (m *WorkflowMemory) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"workflows":   len(m.workflows),
		"transitions": len(m.transitions),
	}
}
