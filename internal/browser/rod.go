package browser

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/domain"
)

// RodDriver drives Chrome over DevTools protocol via rod. It is the fallback
// engine for environments without Playwright's node sidecar.
type RodDriver struct {
	logger  *zap.Logger
	browser *rod.Browser
	page    *rod.Page
	timeout time.Duration
}

// NewRodDriver launches Chrome and opens one page.
func NewRodDriver(cfg config.BrowserConfig, logger *zap.Logger) (*RodDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	controlURL, err := launcher.New().Headless(cfg.Headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("launching chrome: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to chrome: %w", err)
	}
	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("opening page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.ViewportW,
		Height:            cfg.ViewportH,
		DeviceScaleFactor: 1,
	}).Call(page); err != nil {
		logger.Warn("viewport override failed", zap.Error(err))
	}
	return &RodDriver{
		logger:  logger,
		browser: browser,
		page:    page,
		timeout: cfg.StepTimeout,
	}, nil
}

func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	page := d.page.Context(ctx).Timeout(d.timeout)
	if err := page.Navigate(url); err != nil {
		return domain.NewNavigationError(url).WithCause(err)
	}
	if err := page.WaitLoad(); err != nil {
		return domain.NewNavigationError(url).WithCause(err)
	}
	return nil
}

func (d *RodDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *RodDriver) Title(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// element resolves a target. Semantic strategies compile down to CSS or XPath
// since DevTools has no locator engines of its own.
func (d *RodDriver) element(ctx context.Context, t Target) (*rod.Element, error) {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = d.timeout
	}
	page := d.page.Context(ctx).Timeout(timeout)

	var el *rod.Element
	var err error
	switch t.Strategy {
	case domain.StrategyXPath:
		el, err = page.ElementX(t.Selector)
	case domain.StrategyText:
		el, err = page.ElementR("a, button, [role=\"button\"], input[type=\"submit\"]", "/"+regexp.QuoteMeta(t.Selector)+"/i")
	case domain.StrategyPlaceholder:
		el, err = page.Element(fmt.Sprintf(`[placeholder=%q]`, t.Selector))
	case domain.StrategyLabel:
		el, err = page.ElementX(fmt.Sprintf(
			`//label[contains(normalize-space(.), %q)]/following::input[1] | //label[contains(normalize-space(.), %q)]//input`,
			t.Selector, t.Selector))
	case domain.StrategyRole:
		role, name, found := strings.Cut(t.Selector, ":")
		if found {
			el, err = page.ElementR(fmt.Sprintf(`[role=%q], %s`, role, role), "/"+regexp.QuoteMeta(name)+"/i")
		} else {
			el, err = page.Element(fmt.Sprintf(`[role=%q]`, role))
		}
	case domain.StrategyAria:
		el, err = page.Element(fmt.Sprintf(`[aria-label=%q]`, t.Selector))
	case domain.StrategyTestID:
		el, err = page.Element(fmt.Sprintf(`[data-testid=%q]`, t.Selector))
	default:
		el, err = page.Element(t.Selector)
	}
	if err != nil {
		return nil, mapRodError(err, t)
	}
	return el, nil
}

func (d *RodDriver) Click(ctx context.Context, t Target) error {
	el, err := d.element(ctx, t)
	if err != nil {
		return err
	}
	return mapRodError(el.Click(proto.InputMouseButtonLeft, 1), t)
}

func (d *RodDriver) Fill(ctx context.Context, t Target, value string) error {
	el, err := d.element(ctx, t)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return mapRodError(err, t)
	}
	return mapRodError(el.Input(value), t)
}

func (d *RodDriver) TypeText(ctx context.Context, t Target, value string, delay time.Duration) error {
	el, err := d.element(ctx, t)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return mapRodError(err, t)
	}
	if err := el.SelectAllText(); err != nil {
		return mapRodError(err, t)
	}
	for _, r := range value {
		if err := d.page.Context(ctx).Keyboard.Type(input.Key(r)); err != nil {
			return mapRodError(err, t)
		}
		time.Sleep(delay)
	}
	return mapRodError(d.page.Context(ctx).Keyboard.Press(input.Tab), t)
}

func (d *RodDriver) SelectOption(ctx context.Context, t Target, value string) error {
	el, err := d.element(ctx, t)
	if err != nil {
		return err
	}
	return mapRodError(el.Select([]string{value}, true, rod.SelectorTypeText), t)
}

func (d *RodDriver) SetChecked(ctx context.Context, t Target, checked bool) error {
	el, err := d.element(ctx, t)
	if err != nil {
		return err
	}
	_, err = el.Eval(`(checked) => { this.checked = checked; this.dispatchEvent(new Event('change', {bubbles: true})); }`, checked)
	return mapRodError(err, t)
}

func (d *RodDriver) Hover(ctx context.Context, t Target) error {
	el, err := d.element(ctx, t)
	if err != nil {
		return err
	}
	return mapRodError(el.Hover(), t)
}

func (d *RodDriver) PressKey(ctx context.Context, key string) error {
	return d.page.Context(ctx).Keyboard.Press(namedKey(key))
}

func (d *RodDriver) Scroll(ctx context.Context, deltaY int) error {
	_, err := d.page.Context(ctx).Eval(fmt.Sprintf("() => window.scrollBy(0, %d)", deltaY))
	return err
}

func (d *RodDriver) ClickAt(ctx context.Context, x, y float64) error {
	page := d.page.Context(ctx)
	if err := page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return page.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (d *RodDriver) IsVisible(ctx context.Context, t Target) (bool, error) {
	el, err := d.element(ctx, t)
	if err != nil {
		if domain.IsCode(err, domain.ErrCodeElementNotFound) || domain.IsCode(err, domain.ErrCodeTimeout) {
			return false, nil
		}
		return false, err
	}
	visible, err := el.Visible()
	if err != nil {
		return false, mapRodError(err, t)
	}
	return visible, nil
}

func (d *RodDriver) Text(ctx context.Context, t Target) (string, error) {
	el, err := d.element(ctx, t)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", mapRodError(err, t)
	}
	return text, nil
}

func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Context(ctx).Screenshot(false, nil)
}

func (d *RodDriver) HTML(ctx context.Context) (string, error) {
	return d.page.Context(ctx).HTML()
}

func (d *RodDriver) VisibleElements(ctx context.Context) ([]ElementInfo, error) {
	res, err := d.page.Context(ctx).Eval(inventoryScript)
	if err != nil {
		return nil, fmt.Errorf("element inventory: %w", err)
	}
	return decodeInventory(res.Value)
}

func (d *RodDriver) Close() error {
	return d.browser.Close()
}

// namedKey maps the cross-engine key names to rod's input codes. Single
// characters map directly.
func namedKey(key string) input.Key {
	switch key {
	case "Enter":
		return input.Enter
	case "Tab":
		return input.Tab
	case "Escape":
		return input.Escape
	case "Backspace":
		return input.Backspace
	case "ArrowUp":
		return input.ArrowUp
	case "ArrowDown":
		return input.ArrowDown
	case "ArrowLeft":
		return input.ArrowLeft
	case "ArrowRight":
		return input.ArrowRight
	default:
		if len(key) == 1 {
			return input.Key(key[0])
		}
		return input.Enter
	}
}

func mapRodError(err error, t Target) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline") || strings.Contains(msg, "timeout"):
		return domain.NewTimeoutError(t.Selector, t.Timeout).WithCause(err)
	case strings.Contains(msg, "cannot find element") || strings.Contains(msg, "not found"):
		return domain.NewElementNotFoundError(t.Selector).WithCause(err)
	case strings.Contains(msg, "not visible") || strings.Contains(msg, "invisible"):
		return domain.NewElementNotVisibleError(t.Selector).WithCause(err)
	default:
		return err
	}
}
