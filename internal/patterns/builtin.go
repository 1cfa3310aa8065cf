package patterns

import (
	"time"

	"github.com/testforge/autopilot/internal/domain"
)

// builtinPatterns seeds the catalog with the flows nearly every web
// application shares. Selector lists favor semantic attributes over ids so
// they generalize across sites.
func builtinPatterns() []*ActionPattern {
	now := time.Now().UTC()
	return []*ActionPattern{
		{
			ID:             "builtin-login",
			Name:           "Login form",
			Category:       "auth",
			IntentKeywords: []string{"login", "log in", "sign in", "authenticate"},
			URLHints:       []string{"login", "signin", "auth"},
			Confidence:     0.7,
			Builtin:        true,
			UpdatedAt:      now,
			Steps: []PatternStep{
				{
					Action:       domain.ActionFill,
					TargetIntent: "username",
					Selectors:    []string{`[name="username"]`, `[name="email"]`, `input[type="email"]`, "#username", "#email"},
					Value:        "{{username}}",
				},
				{
					Action:       domain.ActionFill,
					TargetIntent: "password",
					Selectors:    []string{`[name="password"]`, `input[type="password"]`, "#password"},
					Value:        "{{password}}",
				},
				{
					Action:       domain.ActionClick,
					TargetIntent: "login_submit",
					Selectors:    []string{`button[type="submit"]`, `input[type="submit"]`, "#login-button"},
				},
			},
		},
		{
			ID:             "builtin-search",
			Name:           "Site search",
			Category:       "navigation",
			IntentKeywords: []string{"search", "find", "look for"},
			Confidence:     0.7,
			Builtin:        true,
			UpdatedAt:      now,
			Steps: []PatternStep{
				{
					Action:       domain.ActionFill,
					TargetIntent: "search_box",
					Selectors:    []string{`[type="search"]`, `[name="q"]`, `[name="search"]`, `[placeholder*="earch"]`},
					Value:        "{{query}}",
				},
				{
					Action:       domain.ActionPressKey,
					TargetIntent: "search_box",
					Value:        "Enter",
				},
			},
		},
		{
			ID:             "builtin-form-submit",
			Name:           "Submit current form",
			Category:       "forms",
			IntentKeywords: []string{"submit", "save", "confirm", "continue"},
			Confidence:     0.6,
			Builtin:        true,
			UpdatedAt:      now,
			Steps: []PatternStep{
				{
					Action:       domain.ActionClick,
					TargetIntent: "submit_button",
					Selectors:    []string{`button[type="submit"]`, `input[type="submit"]`},
				},
			},
		},
		{
			ID:             "builtin-logout",
			Name:           "Logout",
			Category:       "auth",
			IntentKeywords: []string{"logout", "log out", "sign out"},
			Confidence:     0.6,
			Builtin:        true,
			UpdatedAt:      now,
			Steps: []PatternStep{
				{
					Action:       domain.ActionClick,
					TargetIntent: "logout_link",
					Selectors:    []string{`[href*="logout"]`, `[href*="signout"]`, "#logout"},
					Optional:     true,
				},
			},
		},
	}
}
