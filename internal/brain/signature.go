// Package brain holds the learned context stores: page, error, and workflow
// memories used for adaptive navigation and recovery.
package brain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/testforge/autopilot/internal/knowledge"
)

// PageInfo is the raw observation a signature is computed from. The browser
// driver supplies it; the brain never touches the driver directly.
type PageInfo struct {
	URL   string
	Title string
	// Keys of the visible interactive elements, e.g. "button:Submit",
	// "input:email".
	ElementKeys []string
	LoadTimeMs  int64
}

// PageSignature fingerprints a rendered page. Two pages with equal signatures
// are treated as the same page across visits.
type PageSignature struct {
	URLPattern  string `json:"url_pattern"`
	TitleHash   string `json:"title_hash"`
	ElementHash string `json:"element_hash"`
	PageType    string `json:"page_type"`
}

// Hash is the canonical identity of the signature: SHA-256 over
// "urlPattern|titleHash|elementHash", hex, truncated to 16 bytes. The hash
// algorithm is pinned so persisted memories stay valid across versions.
func (ps PageSignature) Hash() string {
	sum := sha256.Sum256([]byte(ps.URLPattern + "|" + ps.TitleHash + "|" + ps.ElementHash))
	return hex.EncodeToString(sum[:16])
}

// NewSignature computes a page signature from a live observation.
func NewSignature(info PageInfo) PageSignature {
	return PageSignature{
		URLPattern:  knowledge.NormalizePage(info.URL),
		TitleHash:   shortHash(strings.ToLower(strings.TrimSpace(info.Title))),
		ElementHash: elementHash(info.ElementKeys),
		PageType:    InferPageType(info.URL, info.Title),
	}
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// elementHash hashes the sorted element keys so DOM ordering changes don't
// change the identity of the page.
func elementHash(keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return shortHash(strings.Join(sorted, "\x00"))
}

// pageTypeKeywords maps URL/title keywords to an inferred page type. Checked
// in order; first match wins.
var pageTypeKeywords = []struct {
	pageType string
	words    []string
}{
	{"login", []string{"login", "signin", "sign in", "authenticate"}},
	{"register", []string{"register", "signup", "sign up", "create account"}},
	{"dashboard", []string{"dashboard", "home", "overview"}},
	{"search", []string{"search", "results"}},
	{"cart", []string{"cart", "basket"}},
	{"checkout", []string{"checkout", "payment", "billing"}},
	{"profile", []string{"profile", "account", "settings"}},
	{"detail", []string{"detail", "view", "show"}},
	{"list", []string{"list", "index", "browse"}},
	{"form", []string{"edit", "new", "create", "form"}},
	{"error", []string{"error", "404", "not found", "forbidden"}},
}

// InferPageType classifies a page from its URL and title keywords. Unknown
// pages are "unknown".
func InferPageType(url, title string) string {
	haystack := strings.ToLower(url + " " + title)
	for _, entry := range pageTypeKeywords {
		for _, w := range entry.words {
			if strings.Contains(haystack, w) {
				return entry.pageType
			}
		}
	}
	return "unknown"
}
