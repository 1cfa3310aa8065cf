// Package knowledge implements the persistent selector knowledge base: an
// indexed store mapping (domain, page, element-key) to ranked selectors,
// learned from execution outcomes.
package knowledge

import (
	"sort"
	"time"

	"github.com/testforge/autopilot/internal/domain"
)

// Selector is one learned way to locate an element, with its track record.
type Selector struct {
	Value       string                  `json:"value"`
	Strategy    domain.SelectorStrategy `json:"strategy"`
	Successes   int                     `json:"successes"`
	Failures    int                     `json:"failures"`
	Confidence  float64                 `json:"confidence"`
	LastUsed    time.Time               `json:"last_used"`
	LearnedFrom domain.LearnedFrom      `json:"learned_from"`
}

// recompute updates the derived confidence from raw counts. With no data the
// confidence defaults to 0.5.
func (s *Selector) recompute() {
	total := s.Successes + s.Failures
	if total == 0 {
		s.Confidence = 0.5
		return
	}
	s.Confidence = float64(s.Successes) / float64(total)
}

// ElementKnowledge holds everything learned about one semantic element on one
// page. Selectors are kept sorted by confidence descending; BestSelector is
// always the head of the list.
type ElementKnowledge struct {
	Domain       string            `json:"domain"`
	Page         string            `json:"page"`
	ElementKey   string            `json:"element_key"`
	Selectors    []*Selector       `json:"selectors"`
	BestSelector *Selector         `json:"best_selector,omitempty"`
	ElementType  string            `json:"element_type,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	LastSuccess  time.Time         `json:"last_success,omitempty"`
}

// resort restores the confidence ordering and best-selector invariant.
// Ties break by most recent LastUsed.
func (ek *ElementKnowledge) resort() {
	sort.SliceStable(ek.Selectors, func(i, j int) bool {
		if ek.Selectors[i].Confidence != ek.Selectors[j].Confidence {
			return ek.Selectors[i].Confidence > ek.Selectors[j].Confidence
		}
		return ek.Selectors[i].LastUsed.After(ek.Selectors[j].LastUsed)
	})
	if len(ek.Selectors) > 0 {
		ek.BestSelector = ek.Selectors[0]
	} else {
		ek.BestSelector = nil
	}
}

// findSelector returns the entry with the given value, or nil.
func (ek *ElementKnowledge) findSelector(value string) *Selector {
	for _, s := range ek.Selectors {
		if s.Value == value {
			return s
		}
	}
	return nil
}

// clone returns a deep copy safe to hand to callers outside the KB lock.
func (ek *ElementKnowledge) clone() *ElementKnowledge {
	cp := &ElementKnowledge{
		Domain:      ek.Domain,
		Page:        ek.Page,
		ElementKey:  ek.ElementKey,
		ElementType: ek.ElementType,
		LastSuccess: ek.LastSuccess,
	}
	if ek.Context != nil {
		cp.Context = make(map[string]string, len(ek.Context))
		for k, v := range ek.Context {
			cp.Context[k] = v
		}
	}
	cp.Selectors = make([]*Selector, len(ek.Selectors))
	for i, s := range ek.Selectors {
		sc := *s
		cp.Selectors[i] = &sc
	}
	if len(cp.Selectors) > 0 {
		cp.BestSelector = cp.Selectors[0]
	}
	return cp
}

// SelectorMatch is one result of an intent search.
type SelectorMatch struct {
	Domain     string                  `json:"domain"`
	Page       string                  `json:"page"`
	ElementKey string                  `json:"element_key"`
	Selector   string                  `json:"selector"`
	Strategy   domain.SelectorStrategy `json:"strategy"`
	Confidence float64                 `json:"confidence"`
	Fuzzy      bool                    `json:"fuzzy,omitempty"`
}

// Stats summarizes the knowledge base for operators.
type Stats struct {
	Domains       int     `json:"domains"`
	Pages         int     `json:"pages"`
	Elements      int     `json:"elements"`
	Selectors     int     `json:"selectors"`
	Lookups       int64   `json:"lookups"`
	CacheHits     int64   `json:"cache_hits"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	BloomRejects  int64   `json:"bloom_rejects"`
	BloomSaveRate float64 `json:"bloom_save_rate"`
	PendingSaves  int     `json:"pending_saves"`
	LoadedDomains int     `json:"loaded_domains"`
}
