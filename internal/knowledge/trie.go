package knowledge

import (
	"sort"
	"strings"
)

// keyTrie indexes normalized element-keys for prefix and fuzzy search. Used
// when an exact intent is unknown and the hash index misses.
type keyTrie struct {
	root *trieNode
	size int
}

type trieNode struct {
	children map[rune]*trieNode
	terminal bool
}

func newKeyTrie() *keyTrie {
	return &keyTrie{root: &trieNode{children: make(map[rune]*trieNode)}}
}

// Insert adds a normalized key. Duplicate inserts are no-ops.
func (t *keyTrie) Insert(key string) {
	node := t.root
	for _, r := range key {
		child, ok := node.children[r]
		if !ok {
			child = &trieNode{children: make(map[rune]*trieNode)}
			node.children[r] = child
		}
		node = child
	}
	if !node.terminal {
		node.terminal = true
		t.size++
	}
}

// Contains reports whether the exact key was inserted.
func (t *keyTrie) Contains(key string) bool {
	node := t.root
	for _, r := range key {
		child, ok := node.children[r]
		if !ok {
			return false
		}
		node = child
	}
	return node.terminal
}

// PrefixSearch returns up to limit keys starting with the prefix, sorted.
func (t *keyTrie) PrefixSearch(prefix string, limit int) []string {
	node := t.root
	for _, r := range prefix {
		child, ok := node.children[r]
		if !ok {
			return nil
		}
		node = child
	}
	var out []string
	collect(node, prefix, &out, limit)
	sort.Strings(out)
	return out
}

func collect(node *trieNode, acc string, out *[]string, limit int) {
	if limit > 0 && len(*out) >= limit {
		return
	}
	if node.terminal {
		*out = append(*out, acc)
	}
	// Deterministic walk order keeps results stable across runs.
	runes := make([]rune, 0, len(node.children))
	for r := range node.children {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	for _, r := range runes {
		collect(node.children[r], acc+string(r), out, limit)
	}
}

// SimilarKeys returns inserted keys resembling the query: sharing a prefix,
// containing it as a substring, or within a small edit distance. Results are
// ordered best-first.
func (t *keyTrie) SimilarKeys(query string, limit int) []string {
	if limit <= 0 {
		limit = 10
	}

	type scored struct {
		key   string
		score float64
	}
	seen := make(map[string]bool)
	var candidates []scored

	add := func(key string, score float64) {
		if !seen[key] {
			seen[key] = true
			candidates = append(candidates, scored{key, score})
		}
	}

	// Direct prefix matches score highest.
	for _, k := range t.PrefixSearch(query, limit*2) {
		add(k, 1.0)
	}

	// Walk shrinking prefixes, then score every reachable key.
	for cut := len(query) - 1; cut >= 2 && len(candidates) < limit*2; cut-- {
		for _, k := range t.PrefixSearch(query[:cut], limit*2) {
			add(k, keySimilarity(query, k))
		}
	}

	// Substring containment as a last resort over the whole index.
	if len(candidates) < limit {
		for _, k := range t.PrefixSearch("", 0) {
			if strings.Contains(k, query) || strings.Contains(query, k) {
				add(k, keySimilarity(query, k))
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].key < candidates[j].key
	})

	out := make([]string, 0, limit)
	for _, c := range candidates {
		if c.score < 0.4 {
			break
		}
		out = append(out, c.key)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// KeySimilarity scores two normalized keys in [0,1]. Exposed for callers
// that match free-form element names against observed DOM keys.
func KeySimilarity(a, b string) float64 {
	return keySimilarity(NormalizeKey(a), NormalizeKey(b))
}

// keySimilarity scores two keys in [0,1] from their Levenshtein distance.
func keySimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
