// Package decision resolves typed questions (which selector, which action,
// how to recover) through tiered sources: knowledge base, page memory,
// heuristics, AI fallback, then a low-confidence default.
package decision

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/observability"
)

// Type enumerates the decisions the engine can make.
type Type string

const (
	TypeFindElement  Type = "find_element"
	TypeChooseAction Type = "choose_action"
	TypeHandleError  Type = "handle_error"
	TypePredictNext  Type = "predict_next"
	TypeWaitTime     Type = "wait_time"
	TypePageType     Type = "page_type"
	TypeRecovery     Type = "recovery"
)

// Source names the tier that produced a decision.
type Source string

const (
	SourceKB         Source = "knowledge_base"
	SourcePageMemory Source = "page_memory"
	SourceHeuristic  Source = "heuristic"
	SourceAI         Source = "ai"
	SourceDefault    Source = "default"
)

// Confidence thresholds shared across callers.
const (
	ConfidenceHigh   = 0.8
	ConfidenceMedium = 0.5
	ConfidenceLow    = 0.3
)

// Decision is the engine's answer to a request.
type Decision struct {
	Type         Type     `json:"type"`
	Source       Source   `json:"source"`
	Confidence   float64  `json:"confidence"`
	Value        string   `json:"value"`
	Alternatives []string `json:"alternatives,omitempty"`
	Reasoning    string   `json:"reasoning"`
	// MemoryID references the KB or memory entry behind the decision so
	// RecordDecisionOutcome can find it again.
	MemoryID string `json:"memory_id,omitempty"`
}

// Request is a typed question with page context. Input carries the intent,
// step text, or error message depending on Type.
type Request struct {
	Type   Type
	Input  string
	Domain string
	Page   string
	URL    string
	Title  string
	// CurrentPageType and LastAction feed PredictNext.
	CurrentPageType string
	LastAction      string
	// Action feeds WaitTime.
	Action domain.ActionType
	// MinConfidence rejects tiers below it; zero means medium.
	MinConfidence float64
	// AllowAI gates the AI tier; strict mode passes false.
	AllowAI bool
}

// AIGateway is the slice of the LLM gateway the engine consumes.
type AIGateway interface {
	FindElement(ctx context.Context, intent, pageContext string) (string, error)
	AnalyzeError(ctx context.Context, message, pageContext string) (errorType, recovery string, err error)
}

// Engine answers decision requests from local data first, AI last.
type Engine struct {
	logger *zap.Logger
	kb     *knowledge.Base
	brain  *brain.Brain
	ai     AIGateway
}

// NewEngine wires the engine. ai may be nil for strict deployments.
func NewEngine(kb *knowledge.Base, br *brain.Brain, ai AIGateway, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger, kb: kb, brain: br, ai: ai}
}

// Decide resolves a request through the tiers. It always returns a decision;
// when every tier falls short the default tier answers with confidence 0.3.
func (e *Engine) Decide(ctx context.Context, req Request) *Decision {
	if req.MinConfidence == 0 {
		req.MinConfidence = ConfidenceMedium
	}

	var d *Decision
	switch req.Type {
	case TypeFindElement:
		d = e.findElement(ctx, req)
	case TypeChooseAction:
		d = e.chooseAction(req)
	case TypeHandleError, TypeRecovery:
		d = e.handleError(ctx, req)
	case TypePredictNext:
		d = e.predictNext(req)
	case TypeWaitTime:
		d = e.waitTime(req)
	case TypePageType:
		d = e.pageType(req)
	}
	if d == nil {
		d = defaultDecision(req.Type)
	}
	observability.GetMetrics().RecordDecision(string(d.Type), string(d.Source))
	e.logger.Debug("decision",
		zap.String("type", string(d.Type)),
		zap.String("source", string(d.Source)),
		zap.Float64("confidence", d.Confidence),
		zap.String("value", d.Value))
	return d
}

func (e *Engine) findElement(ctx context.Context, req Request) *Decision {
	key := knowledge.NormalizeKey(req.Input)

	// Tier 1: knowledge base, exact then fuzzy.
	if e.kb != nil {
		if ek := e.kb.Lookup(req.Domain, req.Page, key); ek != nil && ek.BestSelector != nil {
			if ek.BestSelector.Confidence >= req.MinConfidence {
				return &Decision{
					Type:         TypeFindElement,
					Source:       SourceKB,
					Confidence:   ek.BestSelector.Confidence,
					Value:        ek.BestSelector.Value,
					Alternatives: selectorValues(ek.Selectors, ek.BestSelector.Value),
					Reasoning:    fmt.Sprintf("known element %q on %s%s", key, req.Domain, req.Page),
					MemoryID:     kbMemoryID(req.Domain, req.Page, key, ek.BestSelector.Value, ek.BestSelector.Strategy),
				}
			}
		}
		for _, m := range e.kb.FindByIntent(req.Input, req.Domain, req.Page, 3) {
			if m.Confidence < req.MinConfidence {
				continue
			}
			return &Decision{
				Type:       TypeFindElement,
				Source:     SourceKB,
				Confidence: m.Confidence,
				Value:      m.Selector,
				Reasoning:  fmt.Sprintf("fuzzy intent match %q -> %q", req.Input, m.ElementKey),
				MemoryID:   kbMemoryID(m.Domain, m.Page, m.ElementKey, m.Selector, m.Strategy),
			}
		}
	}

	// Tier 2: page memory's element map for this URL.
	if e.brain != nil && req.URL != "" {
		if entry := e.brain.Pages.FindByURL(req.URL); entry != nil {
			if sel, ok := entry.Elements[key]; ok && entry.Confidence >= req.MinConfidence {
				return &Decision{
					Type:       TypeFindElement,
					Source:     SourcePageMemory,
					Confidence: entry.Confidence,
					Value:      sel,
					Reasoning:  "element remembered for this page",
					MemoryID:   "page|" + entry.Signature.Hash(),
				}
			}
		}
	}

	// Tier 3: heuristics.
	if sel, conf, why := heuristicFindElement(req.Input); sel != "" && conf >= req.MinConfidence {
		return &Decision{
			Type:       TypeFindElement,
			Source:     SourceHeuristic,
			Confidence: conf,
			Value:      sel,
			Reasoning:  why,
		}
	}

	// Tier 4: AI.
	if req.AllowAI && e.ai != nil {
		if sel, err := e.ai.FindElement(ctx, req.Input, pageContext(req)); err == nil && sel != "" {
			return &Decision{
				Type:       TypeFindElement,
				Source:     SourceAI,
				Confidence: 0.7,
				Value:      sel,
				Reasoning:  "ai-suggested selector",
			}
		}
	}
	return nil
}

func (e *Engine) chooseAction(req Request) *Decision {
	if choice, ok := InterpretStepText(req.Input); ok {
		return &Decision{
			Type:       TypeChooseAction,
			Source:     SourceHeuristic,
			Confidence: 0.8,
			Value:      choice.Encode(),
			Reasoning:  fmt.Sprintf("step text matched %s pattern", choice.Action),
		}
	}
	return nil
}

func (e *Engine) handleError(ctx context.Context, req Request) *Decision {
	if e.brain != nil {
		if entry := e.brain.Errors.FindMatchingError(req.Input); entry != nil && entry.RecoveryAction != "" {
			conf := entry.RecoveryConfidence()
			if conf >= req.MinConfidence {
				return &Decision{
					Type:       req.Type,
					Source:     SourcePageMemory,
					Confidence: conf,
					Value:      entry.RecoveryAction,
					Reasoning:  fmt.Sprintf("recovery worked %d/%d times for this error", entry.RecoveryWorked, entry.RecoveryWorked+entry.RecoveryFailed),
					MemoryID:   "error|" + entry.ID,
				}
			}
		}
	}
	if action, why := heuristicHandleError(req.Input); action != "" {
		return &Decision{
			Type:       req.Type,
			Source:     SourceHeuristic,
			Confidence: 0.6,
			Value:      action,
			Reasoning:  why,
		}
	}
	if req.AllowAI && e.ai != nil {
		if _, recovery, err := e.ai.AnalyzeError(ctx, req.Input, pageContext(req)); err == nil && recovery != "" {
			return &Decision{
				Type:       req.Type,
				Source:     SourceAI,
				Confidence: 0.6,
				Value:      recovery,
				Reasoning:  "ai error analysis",
			}
		}
	}
	return nil
}

func (e *Engine) predictNext(req Request) *Decision {
	if e.brain != nil {
		if next, conf := e.brain.Workflows.PredictNextPage(req.CurrentPageType, req.LastAction); next != "" && conf >= req.MinConfidence {
			return &Decision{
				Type:       TypePredictNext,
				Source:     SourcePageMemory,
				Confidence: conf,
				Value:      next,
				Reasoning:  "observed transitions",
			}
		}
	}
	if next := heuristicPredictNext(req.CurrentPageType, req.LastAction); next != "" {
		return &Decision{
			Type:       TypePredictNext,
			Source:     SourceHeuristic,
			Confidence: 0.5,
			Value:      next,
			Reasoning:  "common navigation pattern",
		}
	}
	return nil
}

func (e *Engine) waitTime(req Request) *Decision {
	return &Decision{
		Type:       TypeWaitTime,
		Source:     SourceHeuristic,
		Confidence: 0.7,
		Value:      fmt.Sprintf("%d", heuristicWaitMs(req.Action)),
		Reasoning:  fmt.Sprintf("default wait for %s", req.Action),
	}
}

func (e *Engine) pageType(req Request) *Decision {
	if e.brain != nil && req.URL != "" {
		if entry := e.brain.Pages.FindByURL(req.URL); entry != nil && entry.Confidence >= req.MinConfidence {
			return &Decision{
				Type:       TypePageType,
				Source:     SourcePageMemory,
				Confidence: entry.Confidence,
				Value:      entry.Signature.PageType,
				Reasoning:  fmt.Sprintf("page seen %d times", entry.Observations),
				MemoryID:   "page|" + entry.Signature.Hash(),
			}
		}
	}
	if pt := brain.InferPageType(req.URL, req.Title); pt != "unknown" {
		return &Decision{
			Type:       TypePageType,
			Source:     SourceHeuristic,
			Confidence: 0.7,
			Value:      pt,
			Reasoning:  "keyword classification",
		}
	}
	return &Decision{
		Type:       TypePageType,
		Source:     SourceDefault,
		Confidence: ConfidenceLow,
		Value:      "unknown",
		Reasoning:  "no classification matched",
	}
}

// RecordDecisionOutcome feeds an execution result back into the entry that
// produced the decision.
func (e *Engine) RecordDecisionOutcome(d *Decision, success bool) {
	if d == nil || d.MemoryID == "" {
		return
	}
	parts := strings.Split(d.MemoryID, "|")
	switch parts[0] {
	case "kb":
		if len(parts) != 6 || e.kb == nil {
			return
		}
		e.kb.AddLearning(knowledge.Learning{
			Domain:      parts[1],
			Page:        parts[2],
			ElementKey:  parts[3],
			Selector:    parts[4],
			Strategy:    domain.SelectorStrategy(parts[5]),
			Success:     success,
			LearnedFrom: domain.LearnedFromExecution,
		})
	case "error":
		if len(parts) == 2 && e.brain != nil {
			e.brain.Errors.UpdateRecovery(parts[1], success)
		}
	}
}

func defaultDecision(t Type) *Decision {
	return &Decision{
		Type:       t,
		Source:     SourceDefault,
		Confidence: ConfidenceLow,
		Reasoning:  "no tier produced a confident answer",
	}
}

func kbMemoryID(dom, page, key, selector string, strategy domain.SelectorStrategy) string {
	return strings.Join([]string{"kb", dom, page, key, selector, string(strategy)}, "|")
}

func selectorValues(selectors []*knowledge.Selector, skip string) []string {
	var out []string
	for _, s := range selectors {
		if s.Value != skip {
			out = append(out, s.Value)
		}
	}
	return out
}

func pageContext(req Request) string {
	var b strings.Builder
	if req.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", req.URL)
	}
	if req.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", req.Title)
	}
	if req.CurrentPageType != "" {
		fmt.Fprintf(&b, "Page type: %s\n", req.CurrentPageType)
	}
	return b.String()
}
