package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/observability"
	"github.com/testforge/autopilot/internal/resilience"
)

// RequestType tags a gateway request for cache keying and metrics.
type RequestType string

const (
	RequestFindElement   RequestType = "find_element"
	RequestInterpretStep RequestType = "interpret_step"
	RequestAnalyzeError  RequestType = "analyze_error"
	RequestGeneric       RequestType = "generic"
)

// Request is one question for the AI tier.
type Request struct {
	Type       RequestType
	Prompt     string
	Context    map[string]string
	Priority   domain.Priority
	MaxTokens  int
	Screenshot []byte
}

// Response is the gateway's answer. Success=false with Error set covers
// budget denial and provider failure; callers fall back to local tiers.
type Response struct {
	Success    bool   `json:"success"`
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
	Cached     bool   `json:"cached"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// Gateway runs the request pipeline: cache, budget, circuit-broken provider
// dispatch, then deduction and cache fill.
type Gateway struct {
	logger    *zap.Logger
	providers []Provider
	breakers  map[string]*resilience.Breaker
	budget    *Budget
	cache     *ResponseCache

	totalCalls  int64
	cachedCalls int64
	deniedCalls int64
}

// NewGateway wires the gateway. Providers are tried in order; the first
// healthy one answers.
func NewGateway(providers []Provider, budget *Budget, cache *ResponseCache, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	breakers := make(map[string]*resilience.Breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = resilience.New(resilience.ProviderSettings("llm-" + p.Name()))
	}
	return &Gateway{
		logger:    logger,
		providers: providers,
		breakers:  breakers,
		budget:    budget,
		cache:     cache,
	}
}

// StartTest resets the per-test budget window.
func (g *Gateway) StartTest() {
	if g.budget != nil {
		g.budget.StartTest()
	}
}

// Do executes one request through the pipeline.
func (g *Gateway) Do(ctx context.Context, req Request) *Response {
	atomic.AddInt64(&g.totalCalls, 1)
	start := time.Now()

	if req.MaxTokens <= 0 {
		req.MaxTokens = 1024
	}
	if !req.Priority.IsValid() {
		req.Priority = domain.PriorityNormal
	}

	key := CacheKey(string(req.Type), req.Prompt, req.Context)
	// Screenshots make responses page-state dependent, so they bypass cache.
	if len(req.Screenshot) == 0 && g.cache != nil {
		if content, ok := g.cache.Get(key); ok {
			atomic.AddInt64(&g.cachedCalls, 1)
			observability.GetMetrics().AICacheHits.Inc()
			return &Response{Success: true, Content: content, Cached: true, LatencyMs: time.Since(start).Milliseconds()}
		}
		observability.GetMetrics().AICacheMisses.Inc()
	}

	if g.budget != nil {
		if err := g.budget.Allow(req.Priority); err != nil {
			atomic.AddInt64(&g.deniedCalls, 1)
			observability.GetMetrics().AIBudgetDenials.Inc()
			msg := err.Error()
			var appErr *domain.AppError
			if errors.As(err, &appErr) {
				msg = appErr.Message
			}
			return &Response{Success: false, Error: msg, LatencyMs: time.Since(start).Milliseconds()}
		}
	}

	result, err := g.dispatch(ctx, req)
	if err != nil {
		g.logger.Warn("ai request failed", zap.String("type", string(req.Type)), zap.Error(err))
		return &Response{Success: false, Error: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}

	if g.budget != nil {
		g.budget.Deduct(result.TokensUsed)
	}
	if len(req.Screenshot) == 0 && g.cache != nil {
		g.cache.Put(key, result.Content, result.TokensUsed)
	}
	return &Response{
		Success:    true,
		Content:    result.Content,
		TokensUsed: result.TokensUsed,
		LatencyMs:  time.Since(start).Milliseconds(),
	}
}

func (g *Gateway) dispatch(ctx context.Context, req Request) (*ProviderResult, error) {
	if len(g.providers) == 0 {
		return nil, domain.NewProviderError("none", fmt.Errorf("no providers configured"))
	}
	var lastErr error
	for _, p := range g.providers {
		cb := g.breakers[p.Name()]
		out, err := cb.Do(ctx, func(ctx context.Context) (any, error) {
			return p.Call(ctx, req.Prompt, req.MaxTokens, req.Screenshot)
		})
		if err != nil {
			lastErr = err
			g.logger.Debug("provider failed, trying next", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		return out.(*ProviderResult), nil
	}
	return nil, lastErr
}

// Stats reports call counters for the status surface.
func (g *Gateway) Stats() map[string]int64 {
	return map[string]int64{
		"total":  atomic.LoadInt64(&g.totalCalls),
		"cached": atomic.LoadInt64(&g.cachedCalls),
		"denied": atomic.LoadInt64(&g.deniedCalls),
	}
}

// FindElement asks for a bare CSS selector for an element intent.
func (g *Gateway) FindElement(ctx context.Context, intent, pageContext string) (string, error) {
	return g.FindElementWithScreenshot(ctx, intent, pageContext, nil)
}

// FindElementWithScreenshot is FindElement with a page screenshot attached.
func (g *Gateway) FindElementWithScreenshot(ctx context.Context, intent, pageContext string, screenshot []byte) (string, error) {
	prompt := fmt.Sprintf(`You are helping an automated web test find an element.

Element to find: %s

Page context:
%s

Respond with ONLY a CSS selector, nothing else. No explanation, no quotes, no markdown.`, intent, pageContext)

	resp := g.Do(ctx, Request{
		Type:       RequestFindElement,
		Prompt:     prompt,
		Context:    map[string]string{"intent": intent},
		Priority:   domain.PriorityHigh,
		MaxTokens:  256,
		Screenshot: screenshot,
	})
	if !resp.Success {
		return "", responseError(resp)
	}
	selector := strings.Trim(strings.TrimSpace(resp.Content), "`'\"")
	if selector == "" {
		return "", domain.NewProviderError("gateway", fmt.Errorf("empty selector"))
	}
	return selector, nil
}

// StepInterpretation is the structured answer of InterpretStep.
type StepInterpretation struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Value  string `json:"value"`
}

// InterpretStep turns natural-language step text into an action.
func (g *Gateway) InterpretStep(ctx context.Context, stepText, pageContext string) (*StepInterpretation, error) {
	prompt := fmt.Sprintf(`You are helping an automated web test interpret a test step.

Step: %s

Page context:
%s

Respond with ONLY a JSON object: {"action": "...", "target": "...", "value": "..."}.
Valid actions: navigate, click, fill, type, select, check, uncheck, hover, wait, press_key, assert_visible, assert_text, assert_url.`, stepText, pageContext)

	resp := g.Do(ctx, Request{
		Type:      RequestInterpretStep,
		Prompt:    prompt,
		Context:   map[string]string{"step": stepText},
		Priority:  domain.PriorityNormal,
		MaxTokens: 256,
	})
	if !resp.Success {
		return nil, responseError(resp)
	}
	var out StepInterpretation
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("invalid interpretation: %w", err)
	}
	if out.Action == "" {
		return nil, fmt.Errorf("interpretation missing action")
	}
	return &out, nil
}

// AnalyzeError asks what went wrong and how to recover. Returns the error
// type and a recovery action tag.
func (g *Gateway) AnalyzeError(ctx context.Context, message, pageContext string) (string, string, error) {
	prompt := fmt.Sprintf(`You are helping an automated web test recover from an error.

Error message: %s

Page context:
%s

Respond with ONLY a JSON object: {"error_type": "...", "cause": "...", "recovery": "..."}.`, message, pageContext)

	resp := g.Do(ctx, Request{
		Type:      RequestAnalyzeError,
		Prompt:    prompt,
		Context:   map[string]string{"message": message},
		Priority:  domain.PriorityNormal,
		MaxTokens: 512,
	})
	if !resp.Success {
		return "", "", responseError(resp)
	}
	var out struct {
		ErrorType string `json:"error_type"`
		Cause     string `json:"cause"`
		Recovery  string `json:"recovery"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		return "", "", fmt.Errorf("invalid analysis: %w", err)
	}
	return out.ErrorType, out.Recovery, nil
}

func responseError(resp *Response) error {
	if resp.Error == "Budget limit reached" {
		return domain.NewBudgetExceededError()
	}
	return fmt.Errorf("%s", resp.Error)
}

var codeBlockRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// extractJSON pulls a JSON object out of a response that may wrap it in
// markdown or prose.
func extractJSON(text string) string {
	if m := codeBlockRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return text
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}
