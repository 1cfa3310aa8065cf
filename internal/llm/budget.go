package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/domain"
)

// budgetState is what persists between restarts. Day and Hour timestamps
// detect rollovers across process boundaries.
type budgetState struct {
	UsedToday    int       `json:"used_today"`
	UsedThisHour int       `json:"used_this_hour"`
	Day          string    `json:"day"`
	Hour         time.Time `json:"hour"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Budget enforces the three rolling token caps: per day, per hour, per test.
// Critical-priority requests bypass all caps.
type Budget struct {
	logger *zap.Logger
	path   string

	dailyCap   int
	hourlyCap  int
	perTestCap int

	mu           sync.Mutex
	state        budgetState
	usedThisTest int

	// test seam
	now func() time.Time
}

// NewBudget loads persisted counters from path.
func NewBudget(cfg config.BudgetConfig, path string, logger *zap.Logger) *Budget {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Budget{
		logger:     logger,
		path:       path,
		dailyCap:   cfg.DailyTokens,
		hourlyCap:  cfg.HourlyTokens,
		perTestCap: cfg.PerTestTokens,
		now:        time.Now,
	}
	b.load()
	return b
}

func (b *Budget) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &b.state); err != nil {
		b.logger.Warn("corrupt budget file ignored", zap.Error(err))
		b.state = budgetState{}
	}
}

// Allow reports whether a request of the given priority may spend tokens.
// A request is denied once the relevant counter has met its cap; actual cost
// is deducted after the response, so a counter can overshoot its cap by one
// response before denials begin.
func (b *Budget) Allow(priority domain.Priority) error {
	if priority == domain.PriorityCritical {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()

	if b.dailyCap > 0 && b.state.UsedToday >= b.dailyCap {
		return domain.NewBudgetExceededError()
	}
	if b.hourlyCap > 0 && b.state.UsedThisHour >= b.hourlyCap {
		return domain.NewBudgetExceededError()
	}
	if b.perTestCap > 0 && b.usedThisTest >= b.perTestCap {
		return domain.NewBudgetExceededError()
	}
	return nil
}

// Deduct records actual spend and persists the counters. Spend is recorded
// even for Critical requests so the counters stay truthful.
func (b *Budget) Deduct(tokens int) {
	b.mu.Lock()
	b.rolloverLocked()
	b.state.UsedToday += tokens
	b.state.UsedThisHour += tokens
	b.usedThisTest += tokens
	b.state.UpdatedAt = b.now().UTC()
	state := b.state
	b.mu.Unlock()

	if err := b.persist(state); err != nil {
		b.logger.Warn("budget persist failed", zap.Error(err))
	}
}

// StartTest resets the per-test counter.
func (b *Budget) StartTest() {
	b.mu.Lock()
	b.usedThisTest = 0
	b.mu.Unlock()
}

// UsedToday returns the daily counter after applying rollovers.
func (b *Budget) UsedToday() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.state.UsedToday
}

// Remaining returns tokens left today, hour, and test.
func (b *Budget) Remaining() (day, hour, test int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.dailyCap - b.state.UsedToday, b.hourlyCap - b.state.UsedThisHour, b.perTestCap - b.usedThisTest
}

func (b *Budget) rolloverLocked() {
	now := b.now().UTC()
	day := now.Format("2006-01-02")
	if b.state.Day != day {
		b.state.Day = day
		b.state.UsedToday = 0
	}
	hour := now.Truncate(time.Hour)
	if !b.state.Hour.Equal(hour) {
		b.state.Hour = hour
		b.state.UsedThisHour = 0
	}
}

func (b *Budget) persist(state budgetState) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return domain.NewPersistenceError(b.path, err)
	}
	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.NewPersistenceError(tmp, err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return domain.NewPersistenceError(b.path, err)
	}
	return nil
}
