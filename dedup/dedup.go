// Package dedup implements the Session Dedup Cache: a process-wide,
// thread-safe, LRU-evicting set of content hashes used to suppress
// cross-agent resubmission of identical content to an LLM (spec §4.7).
// It owns only content hashes — it never references Runs or sessions,
// and eviction is strict insertion order with no access-time promotion.
package dedup

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// DefaultMaxSize is the default maximum number of tracked entries
// before the oldest-inserted one is evicted.
const DefaultMaxSize = 1000

type entry struct {
	contentHash string
}

// Cache is a thread-safe LRU set of content hashes.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recently inserted, back = oldest
	index   map[string]*list.Element

	duplicatesPrevented int
	tokensSaved         int
}

// New builds a Cache with the given max size; a non-positive size
// falls back to DefaultMaxSize.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		maxSize: maxSize,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

// HashContent returns the stable digest callers pass to CheckAndAdd.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CheckAndAdd reports whether contentHash was already present. If
// present, tokens is accounted under tokens_saved and true (duplicate)
// is returned — the entry is NOT promoted, since eviction is strict
// insertion order by design (spec §4.7: "no access-time promotion").
// If absent, it is inserted (evicting the oldest entry if now over
// maxSize) and false is returned. agentName is accepted for symmetry
// with the spec's contract but is not itself part of the key: the
// cache is a single process-wide content-hash set, not one per agent.
func (c *Cache) CheckAndAdd(contentHash, agentName string, tokens int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[contentHash]; ok {
		c.duplicatesPrevented++
		c.tokensSaved += tokens
		return true
	}

	el := c.order.PushFront(entry{contentHash: contentHash})
	c.index[contentHash] = el

	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(entry).contentHash)
		}
	}
	return false
}

// Stats is a snapshot of the cache's counters (spec §4.7 stats()).
type Stats struct {
	DuplicatesPrevented int
	TokensSaved         int
	Size                int
	MaxSize             int
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		DuplicatesPrevented: c.duplicatesPrevented,
		TokensSaved:         c.tokensSaved,
		Size:                c.order.Len(),
		MaxSize:             c.maxSize,
	}
}

// Clear empties the cache and resets its counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.duplicatesPrevented = 0
	c.tokensSaved = 0
}
