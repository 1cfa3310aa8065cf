// Package patterns carries a library of generalized action recipes (login,
// search, form submit) with usage statistics, so common flows execute without
// step-by-step AI interpretation.
package patterns

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
)

// PatternStep is one step of a recipe. TargetIntent names the element
// semantically; Selectors are ordered candidate locators.
type PatternStep struct {
	Action       domain.ActionType `json:"action"`
	TargetIntent string            `json:"target_intent,omitempty"`
	Selectors    []string          `json:"selectors,omitempty"`
	Value        string            `json:"value,omitempty"`
	Optional     bool              `json:"optional,omitempty"`
}

// ActionPattern is a named multi-step recipe with an applicability predicate
// and a success track record.
type ActionPattern struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Category       string        `json:"category"`
	IntentKeywords []string      `json:"intent_keywords"`
	URLHints       []string      `json:"url_hints,omitempty"`
	Steps          []PatternStep `json:"steps"`
	Confidence     float64       `json:"confidence"`
	UsedCount      int           `json:"used_count"`
	SucceededCount int           `json:"succeeded_count"`
	Builtin        bool          `json:"builtin,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Applies reports whether the pattern matches an intent and optional URL.
func (p *ActionPattern) Applies(intent, pageURL string) bool {
	intent = strings.ToLower(intent)
	matched := len(p.IntentKeywords) == 0
	for _, kw := range p.IntentKeywords {
		if strings.Contains(intent, kw) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if pageURL != "" && len(p.URLHints) > 0 {
		pageURL = strings.ToLower(pageURL)
		for _, hint := range p.URLHints {
			if strings.Contains(pageURL, hint) {
				return true
			}
		}
		return false
	}
	return true
}

// Store is the action pattern catalog. Built-in patterns are seeded at
// construction; user-added and updated patterns persist as one JSON file per
// pattern under the patterns directory.
type Store struct {
	logger *zap.Logger
	dir    string

	mu       sync.Mutex
	patterns map[string]*ActionPattern
}

// NewStore builds a store, seeds builtins, and loads persisted patterns.
func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		logger:   logger,
		dir:      dir,
		patterns: make(map[string]*ActionPattern),
	}
	for _, p := range builtinPatterns() {
		s.patterns[p.ID] = p
	}
	s.loadPersisted()
	return s
}

func (s *Store) loadPersisted() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var p ActionPattern
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn("corrupt pattern file skipped", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if p.ID == "" {
			continue
		}
		// Persisted stats win over seeded builtins.
		s.patterns[p.ID] = &p
		loaded++
	}
	if loaded > 0 {
		s.logger.Debug("patterns loaded", zap.Int("count", loaded))
	}
}

// FindPattern returns patterns applicable to the intent and/or category,
// sorted by confidence descending.
func (s *Store) FindPattern(intent, category string) []*ActionPattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ActionPattern
	for _, p := range s.patterns {
		if category != "" && p.Category != category {
			continue
		}
		if intent != "" && !p.Applies(intent, "") {
			continue
		}
		out = append(out, clonePattern(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetPattern returns the pattern with the given id, or nil.
func (s *Store) GetPattern(id string) *ActionPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok {
		return nil
	}
	return clonePattern(p)
}

// AddPattern registers a pattern, generating an id when absent, and persists
// it. Returns the id.
func (s *Store) AddPattern(p *ActionPattern) (string, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Confidence == 0 {
		p.Confidence = 0.5
	}
	p.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	cp := clonePattern(p)
	s.patterns[p.ID] = cp
	s.mu.Unlock()

	if err := s.persist(cp); err != nil {
		return p.ID, err
	}
	return p.ID, nil
}

// UpdateStats records a usage outcome and recomputes confidence as the
// empirical success rate.
func (s *Store) UpdateStats(id string, success bool) error {
	s.mu.Lock()
	p, ok := s.patterns[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewNotFoundError("pattern", id)
	}
	p.UsedCount++
	if success {
		p.SucceededCount++
	}
	p.Confidence = float64(p.SucceededCount) / float64(p.UsedCount)
	p.UpdatedAt = time.Now().UTC()
	cp := clonePattern(p)
	s.mu.Unlock()

	return s.persist(cp)
}

// Stats summarizes the catalog.
type Stats struct {
	Total         int     `json:"total"`
	Builtins      int     `json:"builtins"`
	TotalUses     int     `json:"total_uses"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// GetStats returns catalog statistics.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	var confSum float64
	for _, p := range s.patterns {
		stats.Total++
		if p.Builtin {
			stats.Builtins++
		}
		stats.TotalUses += p.UsedCount
		confSum += p.Confidence
	}
	if stats.Total > 0 {
		stats.AvgConfidence = confSum / float64(stats.Total)
	}
	return stats
}

func (s *Store) persist(p *ActionPattern) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return domain.NewPersistenceError(s.dir, err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling pattern %s: %w", p.ID, err)
	}
	path := filepath.Join(s.dir, p.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.NewPersistenceError(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.NewPersistenceError(path, err)
	}
	return nil
}

func clonePattern(p *ActionPattern) *ActionPattern {
	cp := *p
	cp.IntentKeywords = append([]string(nil), p.IntentKeywords...)
	cp.URLHints = append([]string(nil), p.URLHints...)
	cp.Steps = make([]PatternStep, len(p.Steps))
	for i, st := range p.Steps {
		cp.Steps[i] = st
		cp.Steps[i].Selectors = append([]string(nil), st.Selectors...)
	}
	return &cp
}
