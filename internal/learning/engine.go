// Package learning absorbs execution events and writes them back into the
// knowledge base, pattern store, and brain memories. It is the only component
// holding references to all learned-data stores, which keeps the ownership
// graph acyclic.
package learning

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/patterns"
)

// EventType enumerates what the executor can report.
type EventType string

const (
	EventActionSuccess     EventType = "action_success"
	EventActionFailure     EventType = "action_failure"
	EventElementFound      EventType = "element_found"
	EventPageLoaded        EventType = "page_loaded"
	EventErrorOccurred     EventType = "error_occurred"
	EventErrorRecovered    EventType = "error_recovered"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// Event is one execution observation. Fields are used per type; unused fields
// stay zero.
type Event struct {
	Type     EventType
	Domain   string
	Page     string
	Target   string
	Selector string
	Strategy domain.SelectorStrategy

	Message        string
	ErrorType      string
	FieldHint      string
	RecoveryAction string

	Signature  *brain.PageSignature
	PageType   string
	Action     string
	LoadTimeMs int64

	WorkflowName string
	DurationMs   int64
	FailureStep  int
	PatternID    string

	Timestamp time.Time
}

// maxQueuedEvents bounds the dispatch queue; excess events are dropped with a
// warning rather than blocking the executor.
const maxQueuedEvents = 1000

type session struct {
	id        string
	startedAt time.Time
	pages     []string
	actions   []string
	errors    int
	events    int
}

// Engine dispatches events to the stores and brackets execution sessions.
type Engine struct {
	logger   *zap.Logger
	kb       *knowledge.Base
	brain    *brain.Brain
	patterns *patterns.Store

	mu          sync.Mutex
	queue       []Event
	dispatching bool
	dropped     int64
	current     *session
}

// NewEngine wires the engine to the stores it writes to. patterns may be nil.
func NewEngine(kb *knowledge.Base, br *brain.Brain, ps *patterns.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger, kb: kb, brain: br, patterns: ps}
}

// StartSession begins tracking page and action sequences for one test run.
func (e *Engine) StartSession(id string) {
	e.mu.Lock()
	e.current = &session{id: id, startedAt: time.Now()}
	e.mu.Unlock()
	e.logger.Debug("learning session started", zap.String("session", id))
}

// RecordEvent enqueues and synchronously dispatches an event. Events beyond
// the queue bound are dropped.
func (e *Engine) RecordEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	if len(e.queue) >= maxQueuedEvents {
		e.dropped++
		e.mu.Unlock()
		e.logger.Warn("learning event dropped, queue full", zap.String("type", string(ev.Type)))
		return
	}
	e.queue = append(e.queue, ev)
	if e.current != nil {
		e.current.events++
	}
	if e.dispatching {
		e.mu.Unlock()
		return
	}
	e.dispatching = true
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.trackSessionLocked(next)
		e.mu.Unlock()
		e.handle(next)
		e.mu.Lock()
	}
	e.dispatching = false
	e.mu.Unlock()
}

func (e *Engine) trackSessionLocked(ev Event) {
	if e.current == nil {
		return
	}
	switch ev.Type {
	case EventPageLoaded:
		if ev.PageType != "" {
			e.current.pages = append(e.current.pages, ev.PageType)
		}
	case EventActionSuccess, EventActionFailure:
		if ev.Action != "" {
			e.current.actions = append(e.current.actions, ev.Action)
		}
	case EventErrorOccurred:
		e.current.errors++
	}
}

// EndSession closes the current session. Flows that visited at least two
// pages are remembered as workflows; all stores are flushed.
func (e *Engine) EndSession(success bool) {
	e.mu.Lock()
	s := e.current
	e.current = nil
	e.mu.Unlock()
	if s == nil {
		return
	}

	if len(s.pages) >= 2 && e.brain != nil {
		failureStep := -1
		if !success {
			failureStep = len(s.actions)
		}
		e.brain.Workflows.RememberWorkflow(s.id, s.pages, s.actions,
			time.Since(s.startedAt).Milliseconds(), success, failureStep)
	}
	e.Consolidate()
	e.logger.Info("learning session ended",
		zap.String("session", s.id),
		zap.Bool("success", success),
		zap.Int("events", s.events),
		zap.Int("pages", len(s.pages)),
		zap.Int("errors", s.errors))
}

func (e *Engine) handle(ev Event) {
	switch ev.Type {
	case EventActionSuccess:
		e.learnSelector(ev, true, domain.LearnedFromExecution)
	case EventElementFound:
		e.learnSelector(ev, true, domain.LearnedFromExploration)
	case EventActionFailure:
		if ev.Selector != "" {
			e.learnSelector(ev, false, domain.LearnedFromExecution)
		}
		if ev.Message != "" && e.brain != nil {
			errType := ev.ErrorType
			if errType == "" {
				errType = "action_failure"
			}
			e.brain.Errors.RememberError(errType, ev.Message, ev.Target, "", false)
		}
	case EventPageLoaded:
		if ev.Signature != nil && e.brain != nil {
			e.brain.Pages.RememberPage(*ev.Signature, ev.LoadTimeMs, nil)
		}
	case EventErrorOccurred:
		if e.brain != nil {
			e.brain.Errors.RememberError(ev.ErrorType, ev.Message, ev.FieldHint, ev.RecoveryAction, false)
		}
	case EventErrorRecovered:
		if e.brain != nil {
			e.brain.Errors.RememberError(ev.ErrorType, ev.Message, ev.FieldHint, ev.RecoveryAction, true)
		}
	case EventWorkflowCompleted, EventWorkflowFailed:
		completed := ev.Type == EventWorkflowCompleted
		if e.brain != nil && ev.WorkflowName != "" {
			failureStep := ev.FailureStep
			if completed {
				failureStep = -1
			}
			e.brain.Workflows.RememberWorkflow(ev.WorkflowName, nil, nil, ev.DurationMs, completed, failureStep)
		}
		if e.patterns != nil && ev.PatternID != "" {
			if err := e.patterns.UpdateStats(ev.PatternID, completed); err != nil {
				e.logger.Warn("pattern stats update failed", zap.String("pattern", ev.PatternID), zap.Error(err))
			}
		}
	}
}

// learnSelector writes an outcome to the KB and mirrors successful selectors
// into the page memory's element map.
func (e *Engine) learnSelector(ev Event, success bool, from domain.LearnedFrom) {
	if ev.Selector == "" || ev.Target == "" {
		return
	}
	if e.kb != nil {
		e.kb.AddLearning(knowledge.Learning{
			Domain:      ev.Domain,
			Page:        ev.Page,
			ElementKey:  ev.Target,
			Selector:    ev.Selector,
			Strategy:    ev.Strategy,
			Success:     success,
			LearnedFrom: from,
		})
	}
	if success && ev.Signature != nil && e.brain != nil {
		e.brain.Pages.RememberPage(*ev.Signature, 0, map[string]string{
			knowledge.NormalizeKey(ev.Target): ev.Selector,
		})
	}
}

// DecayOldKnowledge drops low-confidence entries older than maxAgeDays from
// the KB and all memories. Returns the total removed.
func (e *Engine) DecayOldKnowledge(maxAgeDays int) int {
	removed := 0
	if e.kb != nil {
		removed += e.kb.Decay(maxAgeDays)
	}
	if e.brain != nil {
		removed += e.brain.Decay(maxAgeDays)
	}
	if removed > 0 {
		e.logger.Info("stale knowledge decayed", zap.Int("removed", removed), zap.Int("max_age_days", maxAgeDays))
	}
	return removed
}

// Consolidate forces a flush of every store.
func (e *Engine) Consolidate() {
	if e.kb != nil {
		if err := e.kb.ForceSave(); err != nil {
			e.logger.Warn("knowledge flush failed", zap.Error(err))
		}
	}
	if e.brain != nil {
		if err := e.brain.Flush(); err != nil {
			e.logger.Warn("memory flush failed", zap.Error(err))
		}
	}
}

// DroppedEvents reports how many events the bounded queue discarded.
func (e *Engine) DroppedEvents() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}
