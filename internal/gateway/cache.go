package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Category groups cached responses that share a TTL.
type Category string

const (
	CategoryMerchantInfo      Category = "merchantInfo"
	CategoryCatalogCategories Category = "catalogCategories"
	CategoryCatalogItems      Category = "catalogItems"
	CategoryLocations         Category = "locations"
	CategoryOther             Category = "other"
)

// DefaultCacheTTLs are the per-category entry lifetimes.
var DefaultCacheTTLs = map[Category]time.Duration{
	CategoryMerchantInfo:      300 * time.Second,
	CategoryCatalogCategories: 1800 * time.Second,
	CategoryCatalogItems:      300 * time.Second,
	CategoryLocations:         1800 * time.Second,
	CategoryOther:             60 * time.Second,
}

const sweepInterval = time.Minute

type cacheEntry struct {
	payload []byte
	expiry  time.Time
}

// ResponseCache keeps successful read responses for a short, category-based
// TTL. Entries are never mutated; a miss after expiry replaces them.
type ResponseCache struct {
	mu        sync.Mutex
	entries   map[string]cacheEntry
	ttls      map[Category]time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewResponseCache creates a cache with DefaultCacheTTLs overridden by ttls.
func NewResponseCache(ttls map[Category]time.Duration, now func() time.Time) *ResponseCache {
	if now == nil {
		now = time.Now
	}
	merged := make(map[Category]time.Duration, len(DefaultCacheTTLs))
	for c, ttl := range DefaultCacheTTLs {
		merged[c] = ttl
	}
	for c, ttl := range ttls {
		merged[c] = ttl
	}
	return &ResponseCache{
		entries:   make(map[string]cacheEntry),
		ttls:      merged,
		now:       now,
		lastSweep: now(),
	}
}

// TTL returns the lifetime applied to category.
func (c *ResponseCache) TTL(category Category) time.Duration {
	if ttl, ok := c.ttls[category]; ok {
		return ttl
	}
	return c.ttls[CategoryOther]
}

func entryKey(key string, category Category) string {
	return string(category) + "|" + key
}

// Get returns the cached payload while it is fresh. Expired entries are
// evicted.
func (c *ResponseCache) Get(key string, category Category) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := entryKey(key, category)
	entry, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiry) {
		delete(c.entries, k)
		return nil, false
	}
	return entry.payload, true
}

// Put stores payload with expiry now + TTL(category).
func (c *ResponseCache) Put(key string, payload []byte, category Category) {
	now := c.now()
	stored := make([]byte, len(payload))
	copy(stored, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entryKey(key, category)] = cacheEntry{
		payload: stored,
		expiry:  now.Add(c.TTL(category)),
	}

	if now.Sub(c.lastSweep) >= sweepInterval {
		c.sweepLocked(now)
	}
}

// Len returns the number of stored entries, fresh or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResponseCache) sweepLocked(now time.Time) {
	for k, entry := range c.entries {
		if !now.Before(entry.expiry) {
			delete(c.entries, k)
		}
	}
	c.lastSweep = now
}

// Fingerprint derives a stable cache key from an endpoint and its normalized
// parameters. Map keys are sorted by encoding/json, so equal parameter sets
// yield equal keys.
func Fingerprint(endpoint string, params any) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	if params != nil {
		if b, err := json.Marshal(params); err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
