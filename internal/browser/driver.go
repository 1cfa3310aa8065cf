// Package browser abstracts the two automation engines behind one driver
// interface so the executor never depends on a concrete engine.
package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/domain"
)

// Target is a located element request: a selector under a strategy with a
// per-call timeout.
type Target struct {
	Strategy domain.SelectorStrategy
	Selector string
	Timeout  time.Duration
}

// ElementInfo is one entry of the visible-element inventory used for page
// signatures and fuzzy healing.
type ElementInfo struct {
	Key      string `json:"key"`
	Tag      string `json:"tag"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Selector string `json:"selector"`
	Visible  bool   `json:"visible"`
}

// PageState is a snapshot of the rendered page.
type PageState struct {
	URL        string
	Title      string
	Elements   []ElementInfo
	LoadTimeMs int64
}

// Driver is the capability set the executor needs from a browser engine.
// Implementations are single-threaded; only the execution worker touches one.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	Click(ctx context.Context, target Target) error
	Fill(ctx context.Context, target Target, value string) error
	// TypeText simulates per-keystroke input: focus, select existing
	// content, press each character with the given delay, tab out.
	TypeText(ctx context.Context, target Target, value string, delay time.Duration) error
	SelectOption(ctx context.Context, target Target, value string) error
	SetChecked(ctx context.Context, target Target, checked bool) error
	Hover(ctx context.Context, target Target) error
	PressKey(ctx context.Context, key string) error
	Scroll(ctx context.Context, deltaY int) error
	ClickAt(ctx context.Context, x, y float64) error

	IsVisible(ctx context.Context, target Target) (bool, error)
	Text(ctx context.Context, target Target) (string, error)

	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	VisibleElements(ctx context.Context) ([]ElementInfo, error)

	Close() error
}

// inventoryScript enumerates visible interactive elements. Both engines run
// the same script so signatures agree across engines.
const inventoryScript = `() => {
	const out = [];
	const nodes = document.querySelectorAll('a, button, input, select, textarea, [role="button"], [onclick]');
	for (const el of nodes) {
		const rect = el.getBoundingClientRect();
		const visible = rect.width > 0 && rect.height > 0 && getComputedStyle(el).visibility !== 'hidden';
		if (!visible) continue;
		const tag = el.tagName.toLowerCase();
		const type = el.getAttribute('type') || '';
		const text = (el.innerText || el.value || el.getAttribute('placeholder') || '').trim().slice(0, 40);
		const ident = el.getAttribute('name') || el.id || el.getAttribute('data-testid') || text || type;
		let selector = '';
		if (el.id) selector = '#' + CSS.escape(el.id);
		else if (el.getAttribute('name')) selector = tag + '[name="' + el.getAttribute('name') + '"]';
		else if (el.getAttribute('data-testid')) selector = '[data-testid="' + el.getAttribute('data-testid') + '"]';
		out.push({key: tag + ':' + ident, tag: tag, type: type, text: text, selector: selector, visible: true});
	}
	return out;
}`

// NewDriver opens the engine selected by config.
func NewDriver(cfg config.BrowserConfig, logger *zap.Logger) (Driver, error) {
	switch cfg.Engine {
	case "rod":
		return NewRodDriver(cfg, logger)
	case "", "playwright":
		return NewPlaywrightDriver(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown browser engine %q", cfg.Engine)
	}
}

// ElementKeys projects an inventory down to the keys used by signatures.
func ElementKeys(elements []ElementInfo) []string {
	keys := make([]string, 0, len(elements))
	for _, el := range elements {
		keys = append(keys, el.Key)
	}
	return keys
}
