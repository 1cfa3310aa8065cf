package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/testforge/autopilot/internal/domain"
)

// ActionChoice is a parsed natural-language step.
type ActionChoice struct {
	Action domain.ActionType `json:"action"`
	Target string            `json:"target"`
	Value  string            `json:"value,omitempty"`
}

// Encode serializes the choice for transport inside Decision.Value.
func (c ActionChoice) Encode() string {
	data, _ := json.Marshal(c)
	return string(data)
}

// DecodeActionChoice parses a Decision.Value produced by a ChooseAction
// decision.
func DecodeActionChoice(value string) (ActionChoice, bool) {
	var c ActionChoice
	if err := json.Unmarshal([]byte(value), &c); err != nil || c.Action == "" {
		return ActionChoice{}, false
	}
	return c, true
}

var (
	clickButtonRe = regexp.MustCompile(`(?i)\bclick(?:s|ed|ing)?\s+(?:on\s+)?(?:the\s+)?['"]?([^'"]+?)['"]?\s+(button|link|tab|menu|icon)\b`)
	clickPlainRe  = regexp.MustCompile(`(?i)^\s*(?:i\s+)?(?:click|tap|press)(?:s|ed|ing)?\s+(?:on\s+)?(?:the\s+)?['"]?(.+?)['"]?\s*$`)
	fillRe        = regexp.MustCompile(`(?i)\b(?:type|enter|fill(?:\s+in)?|input)(?:s|ed|ing)?\s+['"]([^'"]+)['"]\s+(?:in(?:to)?|on)\s+(?:the\s+)?['"]?(.+?)['"]?(?:\s+(?:field|box|input|area))?\s*$`)
	selectRe      = regexp.MustCompile(`(?i)\b(?:select|choose|pick)(?:s|ed|ing)?\s+['"]([^'"]+)['"]\s+(?:from|in)\s+(?:the\s+)?['"]?(.+?)['"]?(?:\s+(?:dropdown|list|select))?\s*$`)
	navigateRe    = regexp.MustCompile(`(?i)\b(?:navigate|go|goes|browse)(?:s|d)?\s+to\s+['"]?(\S+?)['"]?\s*$`)
	checkRe       = regexp.MustCompile(`(?i)\b(check|uncheck|tick|untick)(?:s|ed|ing)?\s+(?:the\s+)?['"]?(.+?)['"]?(?:\s+(?:checkbox|box|option))?\s*$`)
	assertTextRe  = regexp.MustCompile(`(?i)\b(?:should\s+)?see(?:s)?\s+(?:the\s+)?(?:text\s+)?['"]([^'"]+)['"]`)
	waitRe        = regexp.MustCompile(`(?i)\bwait(?:s)?\s+(?:for\s+)?(\d+)\s*(?:ms|milliseconds|s|sec|seconds)?\b`)
)

// InterpretStepText parses natural-language step text into a concrete action
// with regex rules. The executor and the decision engine share it so guided
// and strict modes interpret steps identically.
func InterpretStepText(text string) (ActionChoice, bool) {
	text = strings.TrimSpace(text)
	for _, prefix := range []string{"given ", "when ", "then ", "and ", "but "} {
		low := strings.ToLower(text)
		if strings.HasPrefix(low, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}

	if m := navigateRe.FindStringSubmatch(text); m != nil {
		return ActionChoice{Action: domain.ActionNavigate, Value: m[1]}, true
	}
	if m := fillRe.FindStringSubmatch(text); m != nil {
		return ActionChoice{Action: domain.ActionFill, Target: strings.TrimSpace(m[2]), Value: m[1]}, true
	}
	if m := selectRe.FindStringSubmatch(text); m != nil {
		return ActionChoice{Action: domain.ActionSelect, Target: strings.TrimSpace(m[2]), Value: m[1]}, true
	}
	if m := checkRe.FindStringSubmatch(text); m != nil {
		action := domain.ActionCheck
		if strings.HasPrefix(strings.ToLower(m[1]), "un") {
			action = domain.ActionUncheck
		}
		return ActionChoice{Action: action, Target: strings.TrimSpace(m[2])}, true
	}
	if m := clickButtonRe.FindStringSubmatch(text); m != nil {
		return ActionChoice{Action: domain.ActionClick, Target: strings.TrimSpace(m[1])}, true
	}
	if m := waitRe.FindStringSubmatch(text); m != nil {
		return ActionChoice{Action: domain.ActionWait, Value: m[1]}, true
	}
	if m := assertTextRe.FindStringSubmatch(text); m != nil {
		return ActionChoice{Action: domain.ActionAssertText, Value: m[1]}, true
	}
	if m := clickPlainRe.FindStringSubmatch(text); m != nil {
		return ActionChoice{Action: domain.ActionClick, Target: strings.TrimSpace(m[1])}, true
	}
	return ActionChoice{}, false
}

// heuristicFindElement emits a text-matching locator for button/link click
// intents. Generic field and input intents return nothing so the AI tier can
// observe the page and the learner can capture a real selector.
func heuristicFindElement(intent string) (selector string, confidence float64, reasoning string) {
	if m := clickButtonRe.FindStringSubmatch(intent); m != nil {
		label := strings.TrimSpace(m[1])
		switch strings.ToLower(m[2]) {
		case "link":
			return fmt.Sprintf(`a:has-text("%s")`, label), 0.6, "link text locator"
		default:
			return fmt.Sprintf(`button:has-text("%s")`, label), 0.6, "button text locator"
		}
	}
	return "", 0, ""
}

// validation-keyword -> canonical recovery action.
var errorRecoveryRules = []struct {
	keywords []string
	action   string
}{
	{[]string{"required", "must not be empty", "cannot be blank"}, "fill_required_field"},
	{[]string{"invalid email", "email address"}, "fix_email_format"},
	{[]string{"password too short", "password must", "at least"}, "use_stronger_password"},
	{[]string{"already taken", "already exists", "already registered"}, "use_unique_value"},
	{[]string{"timeout", "timed out", "took too long"}, "wait_and_retry"},
	{[]string{"not found", "no such element"}, "refresh_and_retry"},
}

func heuristicHandleError(message string) (action, reasoning string) {
	low := strings.ToLower(message)
	for _, rule := range errorRecoveryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(low, kw) {
				return rule.action, fmt.Sprintf("message matched %q", kw)
			}
		}
	}
	return "", ""
}

// pageTransitions maps (current page type, action) to the usual next page.
var pageTransitions = map[string]map[string]string{
	"login":    {"submit": "dashboard", "click": "dashboard"},
	"register": {"submit": "login"},
	"search":   {"submit": "list", "press_key": "list"},
	"cart":     {"click": "checkout"},
	"checkout": {"submit": "dashboard"},
	"list":     {"click": "detail"},
}

func heuristicPredictNext(pageType, action string) string {
	if byAction, ok := pageTransitions[pageType]; ok {
		if next, ok := byAction[action]; ok {
			return next
		}
	}
	return ""
}

// heuristicWaitMs returns the default settle time after an action.
func heuristicWaitMs(action domain.ActionType) int {
	switch action {
	case domain.ActionNavigate:
		return 2000
	case domain.ActionClick:
		return 500
	case domain.ActionType_, domain.ActionFill:
		return 200
	case domain.ActionSelect, domain.ActionCheck, domain.ActionUncheck:
		return 300
	case domain.ActionPressKey:
		return 3000
	default:
		return 1000
	}
}
