package gateway

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutThenGet(t *testing.T) {
	clock := newFakeClock()
	cache := NewResponseCache(nil, clock.Now)

	cache.Put("merchant:me", []byte(`{"id":"M1"}`), CategoryMerchantInfo)

	got, ok := cache.Get("merchant:me", CategoryMerchantInfo)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"M1"}`, string(got))
}

func TestCacheExpiresAfterCategoryTTL(t *testing.T) {
	clock := newFakeClock()
	cache := NewResponseCache(nil, clock.Now)

	cache.Put("merchant:me", []byte(`{}`), CategoryMerchantInfo)

	clock.Advance(299 * time.Second)
	_, ok := cache.Get("merchant:me", CategoryMerchantInfo)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = cache.Get("merchant:me", CategoryMerchantInfo)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCacheCategoryTTLs(t *testing.T) {
	cache := NewResponseCache(map[Category]time.Duration{CategoryOther: 5 * time.Second}, nil)

	assert.Equal(t, 300*time.Second, cache.TTL(CategoryMerchantInfo))
	assert.Equal(t, 1800*time.Second, cache.TTL(CategoryCatalogCategories))
	assert.Equal(t, 300*time.Second, cache.TTL(CategoryCatalogItems))
	assert.Equal(t, 1800*time.Second, cache.TTL(CategoryLocations))
	assert.Equal(t, 5*time.Second, cache.TTL(CategoryOther))
	assert.Equal(t, 5*time.Second, cache.TTL(Category("unknown")))
}

func TestCacheCategoriesAreDistinct(t *testing.T) {
	clock := newFakeClock()
	cache := NewResponseCache(nil, clock.Now)

	cache.Put("list", []byte(`"locations"`), CategoryLocations)

	_, ok := cache.Get("list", CategoryCatalogItems)
	assert.False(t, ok)
}

func TestCacheStoresCopy(t *testing.T) {
	cache := NewResponseCache(nil, nil)
	payload := []byte(`abc`)
	cache.Put("k", payload, CategoryOther)
	payload[0] = 'x'

	got, ok := cache.Get("k", CategoryOther)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
}

func TestCacheSweepsOnWrite(t *testing.T) {
	clock := newFakeClock()
	cache := NewResponseCache(nil, clock.Now)

	cache.Put("a", []byte(`1`), CategoryOther)
	cache.Put("b", []byte(`2`), CategoryOther)
	clock.Advance(2 * time.Minute)
	cache.Put("c", []byte(`3`), CategoryOther)

	assert.Equal(t, 1, cache.Len())
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := NewResponseCache(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cache.Put("shared", []byte(`v`), CategoryOther)
		}()
		go func() {
			defer wg.Done()
			cache.Get("shared", CategoryOther)
		}()
	}
	wg.Wait()

	_, ok := cache.Get("shared", CategoryOther)
	assert.True(t, ok)
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("GET /v2/catalog/list", map[string]any{"query": url.Values{"types": {"ITEM"}, "cursor": {"c1"}}})
	b := Fingerprint("GET /v2/catalog/list", map[string]any{"query": url.Values{"cursor": {"c1"}, "types": {"ITEM"}}})
	c := Fingerprint("GET /v2/catalog/list", map[string]any{"query": url.Values{"types": {"CATEGORY"}}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
