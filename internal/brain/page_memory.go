package brain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/knowledge"
)

// PageEntry is what the brain remembers about one page signature.
type PageEntry struct {
	Signature    PageSignature `json:"signature"`
	Observations int           `json:"observations"`
	LastObserved time.Time     `json:"last_observed"`
	// element-intent -> selector learned on this page
	Elements      map[string]string `json:"elements,omitempty"`
	TypicalLoadMs int64             `json:"typical_load_ms"`
	Confidence    float64           `json:"confidence"`
}

// PageMemory remembers pages by signature so revisits classify instantly and
// known element intents prewarm selector resolution.
type PageMemory struct {
	logger *zap.Logger
	path   string

	mu      sync.Mutex
	entries map[string]*PageEntry // keyed by signature hash
	dirty   bool
}

// NewPageMemory loads the memory file if present.
func NewPageMemory(path string, logger *zap.Logger) *PageMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &PageMemory{
		logger:  logger,
		path:    path,
		entries: make(map[string]*PageEntry),
	}
	m.load()
	return m
}

func (m *PageMemory) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		m.logger.Warn("corrupt page memory skipped", zap.Error(err))
		m.entries = make(map[string]*PageEntry)
	}
}

// RememberPage upserts an observation. Load times feed a running average;
// confidence grows with repeat observations and saturates at 0.95.
func (m *PageMemory) RememberPage(sig PageSignature, loadTimeMs int64, elements map[string]string) *PageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sig.Hash()
	e, ok := m.entries[key]
	if !ok {
		e = &PageEntry{Signature: sig, Elements: make(map[string]string)}
		m.entries[key] = e
	}
	e.Observations++
	e.LastObserved = time.Now().UTC()
	if loadTimeMs > 0 {
		if e.TypicalLoadMs == 0 {
			e.TypicalLoadMs = loadTimeMs
		} else {
			e.TypicalLoadMs = (e.TypicalLoadMs*int64(e.Observations-1) + loadTimeMs) / int64(e.Observations)
		}
	}
	for intent, selector := range elements {
		e.Elements[intent] = selector
	}
	e.Confidence = confidenceFromObservations(e.Observations)
	m.dirty = true
	return cloneEntry(e)
}

func confidenceFromObservations(n int) float64 {
	c := 0.4 + 0.1*float64(n)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// FindPage returns the entry for a signature, or nil.
func (m *PageMemory) FindPage(sig PageSignature) *PageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sig.Hash()]
	if !ok {
		return nil
	}
	return cloneEntry(e)
}

// FindByURL returns the best-known entry whose URL pattern matches the given
// URL, preferring higher observation counts.
func (m *PageMemory) FindByURL(url string) *PageEntry {
	pattern := knowledge.NormalizePage(url)

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *PageEntry
	for _, e := range m.entries {
		if e.Signature.URLPattern != pattern {
			continue
		}
		if best == nil || e.Observations > best.Observations {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return cloneEntry(best)
}

// Decay removes entries not observed within maxAgeDays. Returns the number
// removed.
func (m *PageMemory) Decay(maxAgeDays int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if e.LastObserved.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	if removed > 0 {
		m.dirty = true
	}
	return removed
}

// Flush persists the memory if dirty.
func (m *PageMemory) Flush() error {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(m.entries, "", "  ")
	m.dirty = false
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(m.path, data)
}

// GetStats returns entry count and total observations.
func (m *PageMemory) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, e := range m.entries {
		total += e.Observations
	}
	return map[string]interface{}{
		"pages":        len(m.entries),
		"observations": total,
	}
}

func cloneEntry(e *PageEntry) *PageEntry {
	cp := *e
	cp.Elements = make(map[string]string, len(e.Elements))
	for k, v := range e.Elements {
		cp.Elements[k] = v
	}
	return &cp
}

// writeFileAtomic writes via temp file + rename so a crash never leaves a
// truncated memory file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.NewPersistenceError(path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.NewPersistenceError(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.NewPersistenceError(path, err)
	}
	return nil
}
