package executor

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/testforge/autopilot/internal/browser"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
)

// fuzzyMatchThreshold gates DOM-snapshot healing; below it a candidate is
// more likely a different element than a renamed one.
const fuzzyMatchThreshold = 0.55

// candidateTargets builds the locator ladder for one attempt. Attempt 1 is
// the known selector plus ranked alternatives; attempt 2 adds semantic
// locators derived from the intent; attempt 3 adds fuzzy matches against the
// last DOM snapshot.
func (e *ActionExecutor) candidateTargets(ctx context.Context, req ActionRequest, attempt int) []browser.Target {
	var targets []browser.Target
	seen := make(map[string]bool)
	add := func(strategy domain.SelectorStrategy, selector string) {
		if selector == "" {
			return
		}
		key := string(strategy) + "|" + selector
		if seen[key] {
			return
		}
		seen[key] = true
		targets = append(targets, browser.Target{Strategy: strategy, Selector: selector, Timeout: attemptTimeout(req, attempt)})
	}

	if req.Selector != "" {
		strategy := req.Strategy
		if strategy == "" {
			strategy = domain.StrategyCSS
		}
		add(strategy, req.Selector)
	}
	for _, alt := range req.Alternatives {
		add(alt.Strategy, alt.Selector)
	}

	if attempt >= 2 || req.Selector == "" {
		for _, t := range semanticTargets(req) {
			add(t.Strategy, t.Selector)
		}
	}

	if attempt >= 3 && req.Intent != "" {
		if e.snapshot == nil {
			e.refreshSnapshot(ctx)
		}
		for _, t := range fuzzyTargets(req.Intent, e.snapshot) {
			add(t.Strategy, t.Selector)
		}
	}
	return targets
}

// attemptTimeout shrinks the per-locator timeout on retries so the full
// ladder fits inside the step budget.
func attemptTimeout(req ActionRequest, attempt int) time.Duration {
	if attempt == 1 {
		return req.Timeout
	}
	return req.Timeout / 4
}

// semanticTargets derives label, placeholder, role, and text locators from
// the human-readable intent.
func semanticTargets(req ActionRequest) []browser.Target {
	intent := strings.TrimSpace(req.Intent)
	if intent == "" {
		return nil
	}
	name := humanizeIntent(intent)

	switch req.Action {
	case domain.ActionClick, domain.ActionHover:
		return []browser.Target{
			{Strategy: domain.StrategyRole, Selector: "button:" + name},
			{Strategy: domain.StrategyText, Selector: name},
			{Strategy: domain.StrategyRole, Selector: "link:" + name},
			{Strategy: domain.StrategyTestID, Selector: knowledge.NormalizeKey(intent)},
		}
	case domain.ActionCheck, domain.ActionUncheck:
		return []browser.Target{
			{Strategy: domain.StrategyLabel, Selector: name},
			{Strategy: domain.StrategyRole, Selector: "checkbox:" + name},
		}
	case domain.ActionSelect:
		return []browser.Target{
			{Strategy: domain.StrategyLabel, Selector: name},
			{Strategy: domain.StrategyAria, Selector: name},
		}
	default:
		// Inputs: label first, placeholder second.
		return []browser.Target{
			{Strategy: domain.StrategyLabel, Selector: name},
			{Strategy: domain.StrategyPlaceholder, Selector: name},
			{Strategy: domain.StrategyAria, Selector: name},
			{Strategy: domain.StrategyTestID, Selector: knowledge.NormalizeKey(intent)},
		}
	}
}

// fuzzyTargets ranks snapshot elements by key similarity to the intent and
// returns CSS targets for those above the threshold.
func fuzzyTargets(intent string, snapshot []browser.ElementInfo) []browser.Target {
	type scored struct {
		selector string
		score    float64
	}
	var matches []scored
	for _, el := range snapshot {
		if el.Selector == "" {
			continue
		}
		score := knowledge.KeySimilarity(intent, el.Key)
		if s := knowledge.KeySimilarity(intent, el.Text); s > score {
			score = s
		}
		if score >= fuzzyMatchThreshold {
			matches = append(matches, scored{selector: el.Selector, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > 3 {
		matches = matches[:3]
	}
	out := make([]browser.Target, 0, len(matches))
	for _, m := range matches {
		out = append(out, browser.Target{Strategy: domain.StrategyCSS, Selector: m.selector})
	}
	return out
}

// humanizeIntent turns a snake_case key into the display text semantic
// locators match against.
func humanizeIntent(intent string) string {
	cleaned := strings.TrimSpace(intent)
	for _, suffix := range []string{"_button", "_link", "_field", "_input", "_checkbox", "_dropdown"} {
		cleaned = strings.TrimSuffix(cleaned, suffix)
	}
	words := strings.FieldsFunc(cleaned, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	if len(words) == 0 {
		return cleaned
	}
	return strings.Join(words, " ")
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
