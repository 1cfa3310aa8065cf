package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// cachedResponse is one stored answer; InsertedAt orders eviction.
type cachedResponse struct {
	Content    string    `json:"content"`
	TokensUsed int       `json:"tokens_used"`
	InsertedAt time.Time `json:"inserted_at"`
}

// ResponseCache stores AI answers in memory with a disk tier underneath. On
// overflow the oldest quarter of the memory tier is dropped at once, keeping
// eviction off the hot path.
type ResponseCache struct {
	logger   *zap.Logger
	dir      string
	capacity int

	mu      sync.Mutex
	entries map[string]*cachedResponse
	hits    int64
	misses  int64
}

// NewResponseCache builds a cache over the given disk directory. capacity
// bounds the memory tier only.
func NewResponseCache(dir string, capacity int, logger *zap.Logger) *ResponseCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 1000
	}
	return &ResponseCache{
		logger:   logger,
		dir:      dir,
		capacity: capacity,
		entries:  make(map[string]*cachedResponse),
	}
}

// CacheKey hashes type, prompt, and canonicalized context into a stable key.
func CacheKey(reqType, prompt string, context map[string]string) string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(reqType)
	b.WriteByte('|')
	b.WriteString(prompt)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(context[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// Get checks memory first, then disk. Disk hits are promoted to memory.
func (c *ResponseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return e.Content, true
	}
	c.mu.Unlock()

	if c.dir == "" {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return "", false
	}
	data, err := os.ReadFile(c.diskPath(key))
	if err != nil {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return "", false
	}
	var e cachedResponse
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("corrupt cache file skipped", zap.String("key", key), zap.Error(err))
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return "", false
	}

	c.mu.Lock()
	c.hits++
	c.insertLocked(key, &e)
	c.mu.Unlock()
	return e.Content, true
}

// Put stores a response in both tiers.
func (c *ResponseCache) Put(key, content string, tokensUsed int) {
	e := &cachedResponse{Content: content, TokensUsed: tokensUsed, InsertedAt: time.Now().UTC()}

	c.mu.Lock()
	c.insertLocked(key, e)
	c.mu.Unlock()

	if c.dir == "" {
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.logger.Warn("cache dir create failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	path := c.diskPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Warn("cache rename failed", zap.Error(err))
	}
}

func (c *ResponseCache) insertLocked(key string, e *cachedResponse) {
	c.entries[key] = e
	if len(c.entries) <= c.capacity {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, v := range c.entries {
		all = append(all, aged{k, v.InsertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)/4] {
		delete(c.entries, a.key)
	}
}

// Stats returns hit/miss counters and the memory tier size.
func (c *ResponseCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}

func (c *ResponseCache) diskPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}
