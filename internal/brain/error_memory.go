package brain

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
)

// ErrorEntry is one remembered error pattern with the recovery that worked (or
// didn't) last time.
type ErrorEntry struct {
	ID             string    `json:"id"`
	ErrorType      string    `json:"error_type"`
	MessageTokens  []string  `json:"message_tokens"`
	FieldHint      string    `json:"field_hint,omitempty"`
	RecoveryAction string    `json:"recovery_action,omitempty"`
	RecoveryWorked int       `json:"recovery_worked"`
	RecoveryFailed int       `json:"recovery_failed"`
	SeenCount      int       `json:"seen_count"`
	LastSeen       time.Time `json:"last_seen"`
}

// RecoveryConfidence is the empirical success rate of the remembered recovery,
// or 0 when it has never been tried.
func (e *ErrorEntry) RecoveryConfidence() float64 {
	total := e.RecoveryWorked + e.RecoveryFailed
	if total == 0 {
		return 0
	}
	return float64(e.RecoveryWorked) / float64(total)
}

// ErrorMemory remembers error messages seen during execution and what recovery
// resolved them, so repeat failures recover without AI calls.
type ErrorMemory struct {
	logger *zap.Logger
	path   string

	mu      sync.Mutex
	entries []*ErrorEntry
	dirty   bool
}

// NewErrorMemory loads the memory file if present.
func NewErrorMemory(path string, logger *zap.Logger) *ErrorMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ErrorMemory{logger: logger, path: path}
	m.load()
	return m
}

func (m *ErrorMemory) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		m.logger.Warn("corrupt error memory skipped", zap.Error(err))
		m.entries = nil
	}
}

// minMatchScore is the token-overlap fraction below which two error messages
// are not the same error.
const minMatchScore = 0.5

// RememberError records an error observation. If a matching entry exists it is
// updated; recoveryWorked only counts when a recovery action was supplied.
func (m *ErrorMemory) RememberError(errorType, message, fieldHint, recoveryAction string, recoveryWorked bool) *ErrorEntry {
	tokens := tokenizeMessage(message)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findLocked(errorType, tokens)
	if e == nil {
		e = &ErrorEntry{
			ID:            shortHash(errorType + "|" + strings.Join(tokens, " ")),
			ErrorType:     errorType,
			MessageTokens: tokens,
		}
		m.entries = append(m.entries, e)
	}
	e.SeenCount++
	e.LastSeen = time.Now().UTC()
	if fieldHint != "" {
		e.FieldHint = fieldHint
	}
	if recoveryAction != "" {
		// A different recovery resets the track record.
		if e.RecoveryAction != recoveryAction {
			e.RecoveryAction = recoveryAction
			e.RecoveryWorked = 0
			e.RecoveryFailed = 0
		}
		if recoveryWorked {
			e.RecoveryWorked++
		} else {
			e.RecoveryFailed++
		}
	}
	m.dirty = true
	cp := *e
	return &cp
}

// FindMatchingError returns the best-matching remembered error for a message,
// or nil when nothing scores above the match threshold.
func (m *ErrorMemory) FindMatchingError(message string) *ErrorEntry {
	tokens := tokenizeMessage(message)
	if len(tokens) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *ErrorEntry
	bestScore := 0.0
	for _, e := range m.entries {
		score := tokenOverlap(tokens, e.MessageTokens)
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil || bestScore < minMatchScore {
		return nil
	}
	cp := *best
	return &cp
}

func (m *ErrorMemory) findLocked(errorType string, tokens []string) *ErrorEntry {
	for _, e := range m.entries {
		if e.ErrorType != errorType {
			continue
		}
		if tokenOverlap(tokens, e.MessageTokens) >= minMatchScore {
			return e
		}
	}
	return nil
}

// UpdateRecovery records an outcome for the entry's remembered recovery,
// looked up by id. Returns false when the id is unknown.
func (m *ErrorMemory) UpdateRecovery(id string, worked bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID != id {
			continue
		}
		if worked {
			e.RecoveryWorked++
		} else {
			e.RecoveryFailed++
		}
		e.LastSeen = time.Now().UTC()
		m.dirty = true
		return true
	}
	return false
}

// Decay removes entries not seen within maxAgeDays.
func (m *ErrorMemory) Decay(maxAgeDays int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.LastSeen.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	if removed > 0 {
		m.dirty = true
	}
	return removed
}

// Flush persists the memory if dirty.
func (m *ErrorMemory) Flush() error {
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

// GetStats returns entry count and how many carry a proven recovery.
func (m *ErrorMemory) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	withRecovery := 0
	for _, e := range m.entries {
		if e.RecoveryAction != "" && e.RecoveryConfidence() > 0.5 {
			withRecovery++
		}
	}
	return map[string]interface{}{
		"errors":               len(m.entries),
		"with_proven_recovery": withRecovery,
	}
}

// messageStopwords are tokens too common to carry signal.
var messageStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "in": true, "on": true,
	"for": true, "and": true, "or": true, "this": true, "that": true,
	"please": true, "be": true,
}

// tokenizeMessage lowercases, strips punctuation and digits, and drops
// stopwords. Digits go because messages embed volatile values ("row 42").
func tokenizeMessage(message string) []string {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) < 2 || messageStopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// tokenOverlap scores how many of a's tokens appear in b, as a fraction of a.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(b))
	for _, t := range b {
		set[t] = true
	}
	hits := 0
	for _, t := range a {
		if set[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}
