package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/domain"
)

// PlaywrightDriver drives a Chromium instance through Playwright.
type PlaywrightDriver struct {
	logger  *zap.Logger
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	timeout time.Duration
}

// NewPlaywrightDriver launches a browser and opens one page.
func NewPlaywrightDriver(cfg config.BrowserConfig, logger *zap.Logger) (*PlaywrightDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: cfg.ViewportW, Height: cfg.ViewportH},
	})
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("creating context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("opening page: %w", err)
	}
	return &PlaywrightDriver{
		logger:  logger,
		pw:      pw,
		browser: browser,
		page:    page,
		timeout: cfg.StepTimeout,
	}, nil
}

func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(d.timeout.Milliseconds())),
	}); err != nil {
		return domain.NewNavigationError(url).WithCause(err)
	}
	return nil
}

func (d *PlaywrightDriver) CurrentURL(context.Context) (string, error) {
	return d.page.URL(), nil
}

func (d *PlaywrightDriver) Title(context.Context) (string, error) {
	return d.page.Title()
}

// locator maps a strategy to a Playwright locator. Always narrowed to the
// first match so strict-mode violations don't surface as errors.
func (d *PlaywrightDriver) locator(t Target) playwright.Locator {
	var loc playwright.Locator
	switch t.Strategy {
	case domain.StrategyXPath:
		loc = d.page.Locator("xpath=" + t.Selector)
	case domain.StrategyText:
		loc = d.page.GetByText(t.Selector)
	case domain.StrategyPlaceholder:
		loc = d.page.GetByPlaceholder(t.Selector)
	case domain.StrategyLabel:
		loc = d.page.GetByLabel(t.Selector)
	case domain.StrategyRole:
		role, name, found := strings.Cut(t.Selector, ":")
		if found {
			loc = d.page.GetByRole(playwright.AriaRole(role), playwright.PageGetByRoleOptions{Name: name})
		} else {
			loc = d.page.GetByRole(playwright.AriaRole(role))
		}
	case domain.StrategyAria:
		loc = d.page.Locator(fmt.Sprintf(`[aria-label=%q]`, t.Selector))
	case domain.StrategyTestID:
		loc = d.page.GetByTestId(t.Selector)
	default:
		loc = d.page.Locator(t.Selector)
	}
	return loc.First()
}

func (d *PlaywrightDriver) timeoutMs(t Target) float64 {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = d.timeout
	}
	return float64(timeout.Milliseconds())
}

func (d *PlaywrightDriver) Click(ctx context.Context, t Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.locator(t).Click(playwright.LocatorClickOptions{Timeout: playwright.Float(d.timeoutMs(t))})
	return mapElementError(err, t)
}

func (d *PlaywrightDriver) Fill(ctx context.Context, t Target, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.locator(t).Fill(value, playwright.LocatorFillOptions{Timeout: playwright.Float(d.timeoutMs(t))})
	return mapElementError(err, t)
}

func (d *PlaywrightDriver) TypeText(ctx context.Context, t Target, value string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := d.locator(t)
	if err := loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(d.timeoutMs(t))}); err != nil {
		return mapElementError(err, t)
	}
	if err := loc.Press("ControlOrMeta+a"); err != nil {
		return mapElementError(err, t)
	}
	if err := loc.PressSequentially(value, playwright.LocatorPressSequentiallyOptions{
		Delay: playwright.Float(float64(delay.Milliseconds())),
	}); err != nil {
		return mapElementError(err, t)
	}
	return mapElementError(loc.Press("Tab"), t)
}

func (d *PlaywrightDriver) SelectOption(ctx context.Context, t Target, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.locator(t).SelectOption(playwright.SelectOptionValues{
		ValuesOrLabels: &[]string{value},
	}, playwright.LocatorSelectOptionOptions{Timeout: playwright.Float(d.timeoutMs(t))})
	return mapElementError(err, t)
}

func (d *PlaywrightDriver) SetChecked(ctx context.Context, t Target, checked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if checked {
		err = d.locator(t).Check(playwright.LocatorCheckOptions{Timeout: playwright.Float(d.timeoutMs(t))})
	} else {
		err = d.locator(t).Uncheck(playwright.LocatorUncheckOptions{Timeout: playwright.Float(d.timeoutMs(t))})
	}
	return mapElementError(err, t)
}

func (d *PlaywrightDriver) Hover(ctx context.Context, t Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.locator(t).Hover(playwright.LocatorHoverOptions{Timeout: playwright.Float(d.timeoutMs(t))})
	return mapElementError(err, t)
}

func (d *PlaywrightDriver) PressKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.page.Keyboard().Press(key)
}

func (d *PlaywrightDriver) Scroll(ctx context.Context, deltaY int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.page.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", deltaY))
	return err
}

func (d *PlaywrightDriver) ClickAt(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.page.Mouse().Click(x, y)
}

func (d *PlaywrightDriver) IsVisible(ctx context.Context, t Target) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return d.locator(t).IsVisible()
}

func (d *PlaywrightDriver) Text(ctx context.Context, t Target) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := d.locator(t).InnerText(playwright.LocatorInnerTextOptions{Timeout: playwright.Float(d.timeoutMs(t))})
	if err != nil {
		return "", mapElementError(err, t)
	}
	return text, nil
}

func (d *PlaywrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(false)})
}

func (d *PlaywrightDriver) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.page.Content()
}

func (d *PlaywrightDriver) VisibleElements(ctx context.Context) ([]ElementInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := d.page.Evaluate(inventoryScript)
	if err != nil {
		return nil, fmt.Errorf("element inventory: %w", err)
	}
	return decodeInventory(raw)
}

func (d *PlaywrightDriver) Close() error {
	if err := d.browser.Close(); err != nil {
		d.logger.Warn("browser close failed", zap.Error(err))
	}
	return d.pw.Stop()
}

// decodeInventory converts an Evaluate result back into typed entries.
func decodeInventory(raw interface{}) ([]ElementInfo, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []ElementInfo
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mapElementError folds engine errors into the shared taxonomy so healing can
// branch on codes, not strings.
func mapElementError(err error, t Target) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return domain.NewTimeoutError(t.Selector, t.Timeout).WithCause(err)
	case strings.Contains(msg, "not visible") || strings.Contains(msg, "hidden"):
		return domain.NewElementNotVisibleError(t.Selector).WithCause(err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no element") || strings.Contains(msg, "failed to find"):
		return domain.NewElementNotFoundError(t.Selector).WithCause(err)
	default:
		return err
	}
}
