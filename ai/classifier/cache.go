package classifier

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// decisionCache is an LRU with per-entry TTL in front of the cascade.
// Repeated prompts skip every tier; LLM-tier results get a longer TTL
// because they are the expensive ones to recompute.
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	llmTTL   time.Duration
	order    *list.List
	entries  map[string]*list.Element
	now      func() time.Time
}

type cacheEntry struct {
	key       string
	result    *Result
	expiresAt time.Time
}

func newDecisionCache(capacity int, ttl, llmTTL time.Duration) *decisionCache {
	if capacity <= 0 {
		capacity = 500
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if llmTTL <= 0 {
		llmTTL = 30 * time.Minute
	}
	return &decisionCache{
		capacity: capacity,
		ttl:      ttl,
		llmTTL:   llmTTL,
		order:    list.New(),
		entries:  map[string]*list.Element{},
		now:      time.Now,
	}
}

func (c *decisionCache) get(input string) (*Result, bool) {
	key := hashKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := element.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(element)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(element)
	return entry.result, true
}

func (c *decisionCache) set(input string, result *Result) {
	key := hashKey(input)
	ttl := c.ttl
	if result.ClassifierUsed == TierLLM {
		ttl = c.llmTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[key]; ok {
		entry := element.Value.(*cacheEntry)
		entry.result = result
		entry.expiresAt = c.now().Add(ttl)
		c.order.MoveToFront(element)
		return
	}
	element := c.order.PushFront(&cacheEntry{key: key, result: result, expiresAt: c.now().Add(ttl)})
	c.entries[key] = element
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// hashKey hashes the input; the first 8 bytes are enough to avoid
// collisions at cache scale.
func hashKey(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}
