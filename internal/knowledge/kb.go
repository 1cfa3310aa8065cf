package knowledge

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
)

const (
	bloomCapacity = 100_000
	bloomFPRate   = 0.01
	hotCacheSize  = 1000
	fuzzyPenalty  = 0.8
	saveInterval  = 30 * time.Second
)

// elementRef locates an ElementKnowledge from a selector string.
type elementRef struct {
	Domain     string `json:"domain"`
	Page       string `json:"page"`
	ElementKey string `json:"element_key"`
}

// Base is the selector knowledge base. Five cooperating indexes give O(1)
// direct lookup, O(1) cross-domain intent search, reverse selector lookup,
// fast negative answers, and fuzzy key search; a bounded LRU fronts them all.
type Base struct {
	logger *zap.Logger

	selectorsDir    string
	explorationsDir string
	scenarioDir     string

	mu      sync.Mutex
	primary map[string]map[string]map[string]*ElementKnowledge
	// intent index keyed by the normalized element-key; one bucket per
	// distinct intent across all domains
	intents map[string][]*ElementKnowledge
	reverse map[string]elementRef
	bloom   *bloomFilter
	trie    *keyTrie
	loaded  map[string]bool

	hot *lruCache

	saveMu  sync.Mutex
	pending map[string]bool

	lookups      int64
	bloomRejects int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Base.
type Options struct {
	SelectorsDir    string
	ExplorationsDir string
	ScenarioDir     string
	Logger          *zap.Logger
}

// New creates a knowledge base, imports exploration output, and starts the
// background persistence task.
func New(opts Options) (*Base, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Base{
		logger:          opts.Logger,
		selectorsDir:    opts.SelectorsDir,
		explorationsDir: opts.ExplorationsDir,
		scenarioDir:     opts.ScenarioDir,
		primary:         make(map[string]map[string]map[string]*ElementKnowledge),
		intents:         make(map[string][]*ElementKnowledge),
		reverse:         make(map[string]elementRef),
		bloom:           newBloomFilter(bloomCapacity, bloomFPRate),
		trie:            newKeyTrie(),
		loaded:          make(map[string]bool),
		hot:             newLRUCache(hotCacheSize),
		pending:         make(map[string]bool),
		stopCh:          make(chan struct{}),
	}

	if err := b.importExplorations(); err != nil {
		// Corrupt exploration files are skipped, not fatal.
		b.logger.Warn("exploration import incomplete", zap.Error(err))
	}

	b.wg.Add(1)
	go b.persistenceLoop()

	return b, nil
}

// Close flushes all pending saves and stops the background task.
func (b *Base) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	return b.ForceSave()
}

// compositeKey builds the bloom/LRU key for a triple.
func compositeKey(dom, page, key string) string {
	return dom + ":" + page + ":" + key
}

// Lookup returns the knowledge for (domain, page, key), or nil when nothing is
// known. Path: LRU, bloom negative fast-path, lazy domain load, primary map.
func (b *Base) Lookup(dom, page, key string) *ElementKnowledge {
	dom = NormalizeDomain(dom)
	page = NormalizePage(page)
	key = NormalizeKey(key)
	ck := compositeKey(dom, page, key)

	if ek, ok := b.hot.Get(ck); ok {
		return ek
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups++

	// The bloom filter only covers loaded domains; an unloaded domain must be
	// pulled in before a negative answer is trusted.
	if b.loaded[dom] && !b.bloom.MayContain(ck) {
		b.bloomRejects++
		return nil
	}
	if !b.loaded[dom] {
		b.loadDomainLocked(dom)
		if !b.bloom.MayContain(ck) {
			b.bloomRejects++
			return nil
		}
	}

	pages, ok := b.primary[dom]
	if !ok {
		return nil
	}
	elements, ok := pages[page]
	if !ok {
		return nil
	}
	ek, ok := elements[key]
	if !ok {
		return nil
	}

	cp := ek.clone()
	b.hot.Put(ck, cp)
	return cp
}

// FindByIntent searches for selectors matching an approximate intent. Exact
// intent-hash matches come back at full confidence; trie-derived fuzzy matches
// carry a 0.8x penalty applied at read time. Results are sorted by confidence.
func (b *Base) FindByIntent(intent, dom, page string, limit int) []SelectorMatch {
	if limit <= 0 {
		limit = 5
	}
	key := NormalizeKey(intent)
	dom = NormalizeDomain(dom)
	if page != "" {
		page = NormalizePage(page)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if dom != "" && !b.loaded[dom] {
		b.loadDomainLocked(dom)
	}

	matches := b.collectIntentLocked(key, dom, page, false)

	if len(matches) == 0 {
		for _, similar := range b.trie.SimilarKeys(key, limit*2) {
			if similar == key {
				continue
			}
			matches = append(matches, b.collectIntentLocked(similar, dom, page, true)...)
		}
	}

	sortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func (b *Base) collectIntentLocked(key, dom, page string, fuzzy bool) []SelectorMatch {
	var out []SelectorMatch
	for _, ek := range b.intents[key] {
		if dom != "" && ek.Domain != dom {
			continue
		}
		if page != "" && ek.Page != page {
			continue
		}
		if ek.BestSelector == nil {
			continue
		}
		conf := ek.BestSelector.Confidence
		if fuzzy {
			conf *= fuzzyPenalty
		}
		out = append(out, SelectorMatch{
			Domain:     ek.Domain,
			Page:       ek.Page,
			ElementKey: ek.ElementKey,
			Selector:   ek.BestSelector.Value,
			Strategy:   ek.BestSelector.Strategy,
			Confidence: conf,
			Fuzzy:      fuzzy,
		})
	}
	return out
}

// Learning is one observed selector outcome.
type Learning struct {
	Domain      string
	Page        string
	ElementKey  string
	Selector    string
	Strategy    domain.SelectorStrategy
	Success     bool
	ElementType string
	Context     map[string]string
	LearnedFrom domain.LearnedFrom
}

// AddLearning upserts a selector outcome: counts are updated, confidence
// recomputed, the selector list re-sorted, side indexes refreshed, and the
// domain queued for persistence.
func (b *Base) AddLearning(l Learning) {
	dom := NormalizeDomain(l.Domain)
	page := NormalizePage(l.Page)
	key := NormalizeKey(l.ElementKey)
	if dom == "" || key == "" || l.Selector == "" {
		return
	}
	if l.LearnedFrom == "" {
		l.LearnedFrom = domain.LearnedFromExecution
	}
	if l.Strategy == "" {
		l.Strategy = domain.StrategyCSS
	}
	now := time.Now().UTC()

	b.mu.Lock()

	if !b.loaded[dom] {
		b.loadDomainLocked(dom)
	}

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
		ek = &ElementKnowledge{
			Domain:     dom,
			Page:       page,
			ElementKey: key,
		}
		elements[key] = ek
		b.intents[key] = append(b.intents[key], ek)
		b.trie.Insert(key)
		b.bloom.Add(compositeKey(dom, page, key))
	}

	sel := ek.findSelector(l.Selector)
	if sel == nil {
		sel = &Selector{
			Value:       l.Selector,
			Strategy:    l.Strategy,
			LearnedFrom: l.LearnedFrom,
		}
		ek.Selectors = append(ek.Selectors, sel)
	}
	if l.Success {
		sel.Successes++
		ek.LastSuccess = now
	} else {
		sel.Failures++
	}
	sel.LastUsed = now
	sel.recompute()
	ek.resort()

	if l.ElementType != "" {
		ek.ElementType = l.ElementType
	}
	if len(l.Context) > 0 {
		if ek.Context == nil {
			ek.Context = make(map[string]string, len(l.Context))
		}
		for k, v := range l.Context {
			ek.Context[k] = v
		}
	}

	b.reverse[l.Selector] = elementRef{Domain: dom, Page: page, ElementKey: key}
	b.mu.Unlock()

	// The hot cache may hold a stale copy.
	b.hot.Remove(compositeKey(dom, page, key))

	b.queueSave(dom)
}

// FindBySelector resolves a selector string back to its coordinates.
func (b *Base) FindBySelector(selector string) (dom, page, key string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.reverse[selector]
	return ref.Domain, ref.Page, ref.ElementKey, ok
}

// Decay drops selectors not used within maxAgeDays whose confidence is below
// 0.5, and removes element entries left empty. Returns the number of selectors
// dropped.
func (b *Base) Decay(maxAgeDays int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	dropped := 0

	b.mu.Lock()
	defer b.mu.Unlock()

	for dom, pages := range b.primary {
		changed := false
		for page, elements := range pages {
			for key, ek := range elements {
				kept := ek.Selectors[:0]
				for _, s := range ek.Selectors {
					if s.LastUsed.Before(cutoff) && s.Confidence < 0.5 {
						delete(b.reverse, s.Value)
						dropped++
						changed = true
						continue
					}
					kept = append(kept, s)
				}
				ek.Selectors = kept
				ek.resort()
				if len(ek.Selectors) == 0 {
					delete(elements, key)
					b.removeIntentLocked(key, ek)
					b.hot.Remove(compositeKey(dom, page, key))
				}
			}
			if len(elements) == 0 {
				delete(pages, page)
			}
		}
		if changed {
			b.markDirtyLocked(dom)
		}
	}
	return dropped
}

func (b *Base) removeIntentLocked(key string, ek *ElementKnowledge) {
	bucket := b.intents[key]
	for i, cand := range bucket {
		if cand == ek {
			b.intents[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(b.intents[key]) == 0 {
		delete(b.intents, key)
	}
}

// GetStats returns a summary of index sizes and cache effectiveness.
func (b *Base) GetStats() Stats {
	b.mu.Lock()
	var pages, elements, selectors int
	for _, ps := range b.primary {
		pages += len(ps)
		for _, es := range ps {
			elements += len(es)
			for _, ek := range es {
				selectors += len(ek.Selectors)
			}
		}
	}
	stats := Stats{
		Domains:       len(b.primary),
		Pages:         pages,
		Elements:      elements,
		Selectors:     selectors,
		Lookups:       b.lookups,
		BloomRejects:  b.bloomRejects,
		LoadedDomains: len(b.loaded),
	}
	lookups := b.lookups
	b.mu.Unlock()

	hits, misses := b.hot.Counters()
	stats.CacheHits = hits
	if hits+misses > 0 {
		stats.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	if lookups > 0 {
		stats.BloomSaveRate = float64(stats.BloomRejects) / float64(lookups)
	}

	b.saveMu.Lock()
	stats.PendingSaves = len(b.pending)
	b.saveMu.Unlock()

	return stats
}

// sortMatches orders by confidence descending, exact before fuzzy on ties.
func sortMatches(matches []SelectorMatch) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0; j-- {
			a, c := &matches[j-1], &matches[j]
			if c.Confidence > a.Confidence || (c.Confidence == a.Confidence && !c.Fuzzy && a.Fuzzy) {
				matches[j-1], matches[j] = matches[j], matches[j-1]
			} else {
				break
			}
		}
	}
}

var (
	nonKeyChars = regexp.MustCompile(`[^a-z0-9_]+`)
	numericSeg  = regexp.MustCompile(`^\d+$`)
	hexSeg      = regexp.MustCompile(`^[0-9a-f]{8,}$`)
)

// NormalizeKey canonicalizes an element intent: lowercase, whitespace and
// punctuation collapsed to single underscores.
func NormalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = nonKeyChars.ReplaceAllString(key, "_")
	return strings.Trim(key, "_")
}

// NormalizePage canonicalizes a page path: query and fragment stripped,
// numeric and long-hex segments collapsed so /users/123 and /users/456 are the
// same page.
func NormalizePage(page string) string {
	if page == "" {
		return "/"
	}
	if u, err := url.Parse(page); err == nil && u.Path != "" {
		page = u.Path
	}
	if i := strings.IndexAny(page, "?#"); i >= 0 {
		page = page[:i]
	}
	segs := strings.Split(page, "/")
	for i, s := range segs {
		low := strings.ToLower(s)
		if numericSeg.MatchString(low) || hexSeg.MatchString(low) || looksLikeUUID(low) {
			segs[i] = ":id"
		}
	}
	out := strings.Join(segs, "/")
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

func looksLikeUUID(s string) bool {
	return len(s) == 36 && strings.Count(s, "-") == 4
}

// NormalizeDomain extracts the registered host from a URL or bare domain,
// dropping the port and a leading www.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			raw = u.Host
		}
	}
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimPrefix(raw, "www.")
}
