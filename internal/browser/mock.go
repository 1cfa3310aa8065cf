package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/testforge/autopilot/internal/domain"
)

// MockElement is one element on a mock page. Selectors lists every locator
// string that resolves to it; the semantic fields serve the other strategies.
type MockElement struct {
	Selectors   []string
	Tag         string
	Type        string
	Text        string
	Label       string
	Placeholder string
	Role        string
	TestID      string
	Visible     bool

	Value   string
	Checked bool
	Clicks  int
	// NavigatesTo, when set, makes a click act as a link.
	NavigatesTo string
}

// MockPage is a fake rendered page.
type MockPage struct {
	URL      string
	Title    string
	Elements []*MockElement
}

// MockDriver is an in-memory driver for executor tests: a site is a set of
// pages keyed by URL, and every action is recorded in the log.
type MockDriver struct {
	mu      sync.Mutex
	pages   map[string]*MockPage
	current *MockPage
	Log     []string
	closed  bool

	// FailNextNavigate simulates a navigation error once.
	FailNextNavigate bool
}

// NewMockDriver builds a driver over the given pages. The first page passed
// is not opened; call Navigate.
func NewMockDriver(pages ...*MockPage) *MockDriver {
	m := &MockDriver{pages: make(map[string]*MockPage)}
	for _, p := range pages {
		m.pages[p.URL] = p
	}
	return m
}

// AddPage registers another page.
func (m *MockDriver) AddPage(p *MockPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[p.URL] = p
}

func (m *MockDriver) record(format string, args ...interface{}) {
	m.Log = append(m.Log, fmt.Sprintf(format, args...))
}

func (m *MockDriver) Navigate(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("driver closed")
	}
	if m.FailNextNavigate {
		m.FailNextNavigate = false
		return domain.NewNavigationError(url)
	}
	page, ok := m.pages[url]
	if !ok {
		// Unknown paths land on a blank page, like a real 404.
		page = &MockPage{URL: url, Title: "Not Found"}
		m.pages[url] = page
	}
	m.current = page
	m.record("navigate %s", url)
	return nil
}

func (m *MockDriver) CurrentURL(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "about:blank", nil
	}
	return m.current.URL, nil
}

func (m *MockDriver) Title(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", nil
	}
	return m.current.Title, nil
}

// find resolves a target against the current page.
func (m *MockDriver) find(t Target) (*MockElement, error) {
	if m.current == nil {
		return nil, domain.NewElementNotFoundError(t.Selector)
	}
	for _, el := range m.current.Elements {
		if m.matches(el, t) {
			if !el.Visible {
				return nil, domain.NewElementNotVisibleError(t.Selector)
			}
			return el, nil
		}
	}
	return nil, domain.NewElementNotFoundError(t.Selector)
}

func (m *MockDriver) matches(el *MockElement, t Target) bool {
	switch t.Strategy {
	case domain.StrategyText:
		return el.Text != "" && strings.Contains(strings.ToLower(el.Text), strings.ToLower(t.Selector))
	case domain.StrategyPlaceholder:
		return el.Placeholder == t.Selector
	case domain.StrategyLabel:
		return el.Label != "" && strings.EqualFold(el.Label, t.Selector)
	case domain.StrategyRole:
		role, name, found := strings.Cut(t.Selector, ":")
		if el.Role != role {
			return false
		}
		return !found || strings.Contains(strings.ToLower(el.Text), strings.ToLower(name))
	case domain.StrategyTestID:
		return el.TestID == t.Selector
	default:
		for _, s := range el.Selectors {
			if s == t.Selector {
				return true
			}
		}
		return false
	}
}

func (m *MockDriver) Click(_ context.Context, t Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, err := m.find(t)
	if err != nil {
		return err
	}
	el.Clicks++
	m.record("click %s", t.Selector)
	if el.NavigatesTo != "" {
		if page, ok := m.pages[el.NavigatesTo]; ok {
			m.current = page
			m.record("navigate %s", page.URL)
		}
	}
	return nil
}

func (m *MockDriver) Fill(_ context.Context, t Target, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, err := m.find(t)
	if err != nil {
		return err
	}
	el.Value = value
	m.record("fill %s=%s", t.Selector, value)
	return nil
}

func (m *MockDriver) TypeText(_ context.Context, t Target, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, err := m.find(t)
	if err != nil {
		return err
	}
	el.Value = value
	m.record("type %s=%s", t.Selector, value)
	return nil
}

func (m *MockDriver) SelectOption(_ context.Context, t Target, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, err := m.find(t)
	if err != nil {
		return err
	}
	el.Value = value
	m.record("select %s=%s", t.Selector, value)
	return nil
}

func (m *MockDriver) SetChecked(_ context.Context, t Target, checked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, err := m.find(t)
	if err != nil {
		return err
	}
	el.Checked = checked
	m.record("check %s=%t", t.Selector, checked)
	return nil
}

func (m *MockDriver) Hover(_ context.Context, t Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.find(t); err != nil {
		return err
	}
	m.record("hover %s", t.Selector)
	return nil
}

func (m *MockDriver) PressKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("press %s", key)
	return nil
}

func (m *MockDriver) Scroll(_ context.Context, deltaY int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("scroll %d", deltaY)
	return nil
}

func (m *MockDriver) ClickAt(_ context.Context, x, y float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("click_at %.0f,%.0f", x, y)
	return nil
}

func (m *MockDriver) IsVisible(_ context.Context, t Target) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.find(t)
	if err != nil {
		if domain.IsCode(err, domain.ErrCodeElementNotFound) || domain.IsCode(err, domain.ErrCodeElementNotVisible) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *MockDriver) Text(_ context.Context, t Target) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, err := m.find(t)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

func (m *MockDriver) Screenshot(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("screenshot")
	return []byte("png"), nil
}

func (m *MockDriver) HTML(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<html><title>%s</title><body>", m.current.Title)
	for _, el := range m.current.Elements {
		fmt.Fprintf(&b, "<%s>%s</%s>", el.Tag, el.Text, el.Tag)
	}
	b.WriteString("</body></html>")
	return b.String(), nil
}

func (m *MockDriver) VisibleElements(context.Context) ([]ElementInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, nil
	}
	var out []ElementInfo
	for _, el := range m.current.Elements {
		if !el.Visible {
			continue
		}
		selector := ""
		if len(el.Selectors) > 0 {
			selector = el.Selectors[0]
		}
		ident := el.Label
		if ident == "" {
			ident = el.Text
		}
		if ident == "" {
			ident = el.Placeholder
		}
		out = append(out, ElementInfo{
			Key:      el.Tag + ":" + ident,
			Tag:      el.Tag,
			Type:     el.Type,
			Text:     el.Text,
			Selector: selector,
			Visible:  true,
		})
	}
	return out, nil
}

func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.record("close")
	return nil
}

var _ Driver = (*MockDriver)(nil)
