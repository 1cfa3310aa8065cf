package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
)

// domainFile is the on-disk shape of one domain's knowledge:
// page -> element-key -> knowledge.
type domainFile map[string]map[string]*ElementKnowledge

func (b *Base) domainPath(dom string) string {
	return filepath.Join(b.selectorsDir, dom, "element_cache.json")
}

// loadDomainLocked lazily reads a domain file into the indexes. Callers hold
// b.mu. A corrupt file is logged and skipped; the rest of the base is
// unaffected.
func (b *Base) loadDomainLocked(dom string) {
	if b.loaded[dom] {
		return
	}
	b.loaded[dom] = true

	data, err := os.ReadFile(b.domainPath(dom))
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("reading domain file", zap.String("domain", dom), zap.Error(err))
		}
		return
	}

	var pages domainFile
	if err := json.Unmarshal(data, &pages); err != nil {
		b.logger.Warn("corrupt domain file skipped", zap.String("domain", dom), zap.Error(err))
		return
	}

	b.indexDomainLocked(dom, pages)
	b.logger.Debug("domain loaded", zap.String("domain", dom), zap.Int("pages", len(pages)))
}

// indexDomainLocked installs a domain's pages into all five indexes.
func (b *Base) indexDomainLocked(dom string, pages domainFile) {
	target, ok := b.primary[dom]
	if !ok {
		target = make(map[string]map[string]*ElementKnowledge)
		b.primary[dom] = target
	}
	for page, elements := range pages {
		dst, ok := target[page]
		if !ok {
			dst = make(map[string]*ElementKnowledge)
			target[page] = dst
		}
		for key, ek := range elements {
			ek.Domain, ek.Page, ek.ElementKey = dom, page, key
			for _, s := range ek.Selectors {
				s.recompute()
				b.reverse[s.Value] = elementRef{Domain: dom, Page: page, ElementKey: key}
			}
			ek.resort()
			dst[key] = ek
			b.intents[key] = append(b.intents[key], ek)
			b.trie.Insert(key)
			b.bloom.Add(compositeKey(dom, page, key))
		}
	}
}

// queueSave marks a domain dirty; the background task collapses all pending
// requests into one write per domain.
func (b *Base) queueSave(dom string) {
	b.saveMu.Lock()
	b.pending[dom] = true
	b.saveMu.Unlock()
}

// markDirtyLocked is queueSave for callers already holding b.mu. Lock order is
// always mu before saveMu.
func (b *Base) markDirtyLocked(dom string) {
	b.saveMu.Lock()
	b.pending[dom] = true
	b.saveMu.Unlock()
}

// persistenceLoop flushes dirty domains on a fixed cadence until Close.
func (b *Base) persistenceLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.flushPending(); err != nil {
				b.logger.Warn("background flush failed", zap.Error(err))
			}
		}
	}
}

// ForceSave flushes every dirty domain immediately.
func (b *Base) ForceSave() error {
	return b.flushPending()
}

func (b *Base) flushPending() error {
	b.saveMu.Lock()
	dirty := make([]string, 0, len(b.pending))
	for dom := range b.pending {
		dirty = append(dirty, dom)
	}
	b.pending = make(map[string]bool)
	b.saveMu.Unlock()

	var firstErr error
	for _, dom := range dirty {
		if err := b.saveDomain(dom); err != nil {
			// In-memory state stays authoritative; requeue for the next pass.
			b.logger.Warn("persisting domain failed", zap.String("domain", dom), zap.Error(err))
			b.queueSave(dom)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// saveDomain writes one domain atomically: temp file, then rename.
func (b *Base) saveDomain(dom string) error {
	b.mu.Lock()
	pages, ok := b.primary[dom]
	var data []byte
	var err error
	if ok {
		data, err = json.MarshalIndent(pages, "", "  ")
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err != nil {
		return fmt.Errorf("marshaling domain %s: %w", dom, err)
	}

	path := b.domainPath(dom)
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

// explorationFile is the shape produced by background exploration runs.
type explorationFile struct {
	URL      string `json:"url"`
	Domain   string `json:"domain,omitempty"`
	Page     string `json:"page,omitempty"`
	Elements []struct {
		Key         string  `json:"key"`
		Selector    string  `json:"selector"`
		Strategy    string  `json:"strategy,omitempty"`
		Confidence  float64 `json:"confidence"`
		ElementType string  `json:"element_type,omitempty"`
	} `json:"elements"`
}

// importExplorations ingests exploration output at startup. Elements below
// confidence 0.5 are ignored, as are elements already known with equal or
// better confidence.
func (b *Base) importExplorations() error {
	if b.explorationsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(b.explorationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var firstErr error
	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(b.explorationsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var exp explorationFile
		if err := json.Unmarshal(data, &exp); err != nil {
			b.logger.Warn("corrupt exploration file skipped", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		dom := exp.Domain
		page := exp.Page
		if dom == "" {
			dom = NormalizeDomain(exp.URL)
		}
		if page == "" {
			page = NormalizePage(exp.URL)
		}

		for _, el := range exp.Elements {
			if el.Confidence < 0.5 || el.Selector == "" || el.Key == "" {
				continue
			}
			if existing := b.Lookup(dom, page, el.Key); existing != nil &&
				existing.BestSelector != nil && existing.BestSelector.Confidence >= el.Confidence {
				continue
			}
			b.AddLearning(Learning{
				Domain:      dom,
				Page:        page,
				ElementKey:  el.Key,
				Selector:    el.Selector,
				Strategy:    domain.SelectorStrategy(el.Strategy),
				Success:     true,
				ElementType: el.ElementType,
				LearnedFrom: domain.LearnedFromExploration,
			})
			imported++
		}
	}
	if imported > 0 {
		b.logger.Info("exploration import complete", zap.Int("elements", imported))
	}
	return firstErr
}

// ExportData is the bulk export/import envelope for learned selectors.
type ExportData struct {
	Version    int                   `json:"version"`
	ExportedAt time.Time             `json:"exported_at"`
	Domains    map[string]domainFile `json:"domains"`
}

// Export snapshots the full in-memory index.
func (b *Base) Export() *ExportData {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := &ExportData{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Domains:    make(map[string]domainFile, len(b.primary)),
	}
	for dom, pages := range b.primary {
		df := make(domainFile, len(pages))
		for page, elements := range pages {
			dst := make(map[string]*ElementKnowledge, len(elements))
			for key, ek := range elements {
				dst[key] = ek.clone()
			}
			df[page] = dst
		}
		out.Domains[dom] = df
	}
	return out
}

// Import merges exported data into this base. Selectors already present have
// their counts summed; unseen ones are added outright.
func (b *Base) Import(data *ExportData) int {
	if data == nil {
		return 0
	}
	merged := 0

	b.mu.Lock()
	for dom, pages := range data.Domains {
		if !b.loaded[dom] {
			b.loadDomainLocked(dom)
		}
		for page, elements := range pages {
			for key, src := range elements {
				b.mergeEntryLocked(dom, page, key, src)
				merged++
			}
		}
		b.markDirtyLocked(dom)
	}
	b.mu.Unlock()
	return merged
}

func (b *Base) mergeEntryLocked(dom, page, key string, src *ElementKnowledge) {
	pages, ok := b.primary[dom]
	if !ok {
		pages = make(map[string]map[string]*ElementKnowledge)
		b.primary[dom] = pages
	}
	elements, ok := pages[page]
	if !ok {
		elements = make(map[string]*ElementKnowledge)
		pages[page] = elements
	}
	ek, ok := elements[key]
	if !ok {
		ek = &ElementKnowledge{Domain: dom, Page: page, ElementKey: key}
		elements[key] = ek
		b.intents[key] = append(b.intents[key], ek)
		b.trie.Insert(key)
		b.bloom.Add(compositeKey(dom, page, key))
	}
	if src.ElementType != "" {
		ek.ElementType = src.ElementType
	}
	if src.LastSuccess.After(ek.LastSuccess) {
		ek.LastSuccess = src.LastSuccess
	}
	for _, s := range src.Selectors {
		dst := ek.findSelector(s.Value)
		if dst == nil {
			cp := *s
			cp.recompute()
			ek.Selectors = append(ek.Selectors, &cp)
			b.reverse[s.Value] = elementRef{Domain: dom, Page: page, ElementKey: key}
			continue
		}
		dst.Successes += s.Successes
		dst.Failures += s.Failures
		if s.LastUsed.After(dst.LastUsed) {
			dst.LastUsed = s.LastUsed
		}
		dst.recompute()
	}
	ek.resort()
	b.hot.Remove(compositeKey(dom, page, key))
}
