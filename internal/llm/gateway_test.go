package llm

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/domain"
)

type fakeProvider struct {
	name    string
	content string
	tokens  int
	err     error
	calls   int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Call(_ context.Context, _ string, _ int, _ []byte) (*ProviderResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ProviderResult{Content: f.content, TokensUsed: f.tokens}, nil
}

func newTestGateway(t *testing.T, provider Provider, budgetCfg config.BudgetConfig) (*Gateway, *Budget) {
	t.Helper()
	dir := t.TempDir()
	budget := NewBudget(budgetCfg, filepath.Join(dir, "ai_budget.json"), nil)
	cache := NewResponseCache(filepath.Join(dir, "ai_cache"), budgetCfg.CacheSize, nil)
	return NewGateway([]Provider{provider}, budget, cache, nil), budget
}

func TestGatewayCachesResponses(t *testing.T) {
	p := &fakeProvider{name: "fake", content: "#selector", tokens: 40}
	g, _ := newTestGateway(t, p, config.BudgetConfig{DailyTokens: 1000, HourlyTokens: 1000, PerTestTokens: 1000})

	req := Request{Type: RequestFindElement, Prompt: "find the login button", MaxTokens: 50}

	first := g.Do(context.Background(), req)
	require.True(t, first.Success)
	assert.False(t, first.Cached)
	assert.Equal(t, 40, first.TokensUsed)

	second := g.Do(context.Background(), req)
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Zero(t, second.TokensUsed)
	assert.Equal(t, "#selector", second.Content)
	assert.Equal(t, 1, p.calls)
}

func TestGatewayBudgetDenial(t *testing.T) {
	p := &fakeProvider{name: "fake", content: "#a", tokens: 60}
	g, budget := newTestGateway(t, p, config.BudgetConfig{DailyTokens: 100, HourlyTokens: 1000, PerTestTokens: 1000})

	first := g.Do(context.Background(), Request{
		Type: RequestFindElement, Prompt: "find username", MaxTokens: 60,
	})
	require.True(t, first.Success)
	assert.Equal(t, 60, budget.UsedToday())

	// The counter has not met the cap yet, so the second call goes through
	// and overshoots; only then do denials begin.
	second := g.Do(context.Background(), Request{
		Type: RequestFindElement, Prompt: "find password", MaxTokens: 60,
	})
	require.True(t, second.Success)
	assert.Equal(t, 120, budget.UsedToday())

	third := g.Do(context.Background(), Request{
		Type: RequestFindElement, Prompt: "find submit", MaxTokens: 60,
	})
	assert.False(t, third.Success)
	assert.Equal(t, "Budget limit reached", third.Error)
	assert.Equal(t, 120, budget.UsedToday())
	assert.Equal(t, 2, p.calls)
}

// A large max_tokens must not pre-reserve budget: the helper asks for up to
// 256 tokens, but with the daily counter below its cap the call goes through
// and only the actual response cost is recorded.
func TestGatewayFindElementUnderTightCap(t *testing.T) {
	p := &fakeProvider{name: "fake", content: "#login", tokens: 60}
	g, budget := newTestGateway(t, p, config.BudgetConfig{DailyTokens: 100, HourlyTokens: 1000, PerTestTokens: 1000})

	selector, err := g.FindElement(context.Background(), "login button", "URL: /login")
	require.NoError(t, err)
	assert.Equal(t, "#login", selector)
	assert.Equal(t, 60, budget.UsedToday())
	assert.Equal(t, 1, p.calls)
}

func TestBudgetDeniesOnlyAtCap(t *testing.T) {
	b := NewBudget(config.BudgetConfig{DailyTokens: 100}, filepath.Join(t.TempDir(), "b.json"), nil)

	b.Deduct(60)
	assert.NoError(t, b.Allow(domain.PriorityNormal))

	b.Deduct(40)
	assert.Error(t, b.Allow(domain.PriorityNormal))
	assert.NoError(t, b.Allow(domain.PriorityCritical))
}

func TestGatewayCriticalBypassesBudget(t *testing.T) {
	p := &fakeProvider{name: "fake", content: "#a", tokens: 60}
	g, budget := newTestGateway(t, p, config.BudgetConfig{DailyTokens: 10, HourlyTokens: 10, PerTestTokens: 10})

	resp := g.Do(context.Background(), Request{
		Type: RequestGeneric, Prompt: "urgent", Priority: domain.PriorityCritical, MaxTokens: 60,
	})

	require.True(t, resp.Success)
	assert.Equal(t, 60, budget.UsedToday())
}

func TestGatewayFallsBackToSecondProvider(t *testing.T) {
	dir := t.TempDir()
	primary := &fakeProvider{name: "primary", err: fmt.Errorf("boom")}
	secondary := &fakeProvider{name: "secondary", content: "ok", tokens: 5}
	budget := NewBudget(config.BudgetConfig{DailyTokens: 1000}, filepath.Join(dir, "b.json"), nil)
	cache := NewResponseCache(filepath.Join(dir, "cache"), 10, nil)
	g := NewGateway([]Provider{primary, secondary}, budget, cache, nil)

	resp := g.Do(context.Background(), Request{Type: RequestGeneric, Prompt: "hi", MaxTokens: 10})

	require.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestBudgetRollsOverByDay(t *testing.T) {
	b := NewBudget(config.BudgetConfig{DailyTokens: 100}, filepath.Join(t.TempDir(), "b.json"), nil)
	now := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Deduct(100)
	assert.Error(t, b.Allow(domain.PriorityNormal))

	now = now.Add(time.Hour)
	assert.NoError(t, b.Allow(domain.PriorityNormal))
	assert.Zero(t, b.UsedToday())
}

func TestBudgetHourlyCap(t *testing.T) {
	b := NewBudget(config.BudgetConfig{DailyTokens: 1000, HourlyTokens: 50}, filepath.Join(t.TempDir(), "b.json"), nil)
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Deduct(50)
	assert.Error(t, b.Allow(domain.PriorityNormal))

	now = now.Add(time.Hour)
	assert.NoError(t, b.Allow(domain.PriorityNormal))
	assert.Equal(t, 50, b.UsedToday())
}

func TestBudgetPerTestReset(t *testing.T) {
	b := NewBudget(config.BudgetConfig{DailyTokens: 1000, PerTestTokens: 30}, filepath.Join(t.TempDir(), "b.json"), nil)

	b.Deduct(30)
	assert.Error(t, b.Allow(domain.PriorityNormal))

	b.StartTest()
	assert.NoError(t, b.Allow(domain.PriorityNormal))
}

func TestBudgetPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.json")

	b := NewBudget(config.BudgetConfig{DailyTokens: 100}, path, nil)
	b.Deduct(42)

	reloaded := NewBudget(config.BudgetConfig{DailyTokens: 100}, path, nil)
	assert.Equal(t, 42, reloaded.UsedToday())
}

func TestResponseCacheDiskTier(t *testing.T) {
	dir := t.TempDir()

	c := NewResponseCache(dir, 10, nil)
	key := CacheKey("find_element", "prompt", map[string]string{"a": "1"})
	c.Put(key, "answer", 12)

	// A fresh cache with an empty memory tier still finds it on disk.
	fresh := NewResponseCache(dir, 10, nil)
	content, ok := fresh.Get(key)
	require.True(t, ok)
	assert.Equal(t, "answer", content)
}

func TestResponseCacheEvictsOldestQuarter(t *testing.T) {
	c := NewResponseCache("", 8, nil)
	for i := 0; i < 9; i++ {
		c.Put(fmt.Sprintf("key-%d", i), "v", 1)
		time.Sleep(time.Millisecond)
	}

	_, _, size := c.Stats()
	assert.LessOrEqual(t, size, 7)

	_, ok := c.Get("key-0")
	assert.False(t, ok)
	_, ok = c.Get("key-8")
	assert.True(t, ok)
}

func TestCacheKeyCanonicalizesContext(t *testing.T) {
	a := CacheKey("t", "p", map[string]string{"x": "1", "y": "2"})
	b := CacheKey("t", "p", map[string]string{"y": "2", "x": "1"})
	c := CacheKey("t", "p", map[string]string{"x": "1", "y": "3"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestExtractJSON(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`Sure! Here it is: {"a":{"b":"}"}} trailing`, `{"a":{"b":"}"}}`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractJSON(tc.in))
	}
}

func TestFindElementHelperTrimsSelector(t *testing.T) {
	p := &fakeProvider{name: "fake", content: "  `#login-button`  ", tokens: 5}
	g, _ := newTestGateway(t, p, config.BudgetConfig{DailyTokens: 1000})

	sel, err := g.FindElement(context.Background(), "login button", "URL: /login")
	require.NoError(t, err)
	assert.Equal(t, "#login-button", sel)
}

func TestInterpretStepHelperParsesJSON(t *testing.T) {
	p := &fakeProvider{name: "fake", content: `{"action":"fill","target":"username","value":"alice"}`, tokens: 5}
	g, _ := newTestGateway(t, p, config.BudgetConfig{DailyTokens: 1000})

	out, err := g.InterpretStep(context.Background(), "enter alice in username", "")
	require.NoError(t, err)
	assert.Equal(t, "fill", out.Action)
	assert.Equal(t, "username", out.Target)
	assert.Equal(t, "alice", out.Value)
}

func TestAnalyzeErrorHelper(t *testing.T) {
	p := &fakeProvider{name: "fake", content: `{"error_type":"validation","cause":"bad email","recovery":"fix_email_format"}`, tokens: 5}
	g, _ := newTestGateway(t, p, config.BudgetConfig{DailyTokens: 1000})

	errType, recovery, err := g.AnalyzeError(context.Background(), "invalid email", "")
	require.NoError(t, err)
	assert.Equal(t, "validation", errType)
	assert.Equal(t, "fix_email_format", recovery)
}
