package memoryjar

import (
	"time"

	lrucache "github.com/hashicorp/golang-lru"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/xerrors"

	"github.com/modernistik/MemoryJar/commons"
)

// memoryEntry is a record resident in the in-memory layer
type memoryEntry[V any] struct {
	value     V
	createdAt time.Time
}

// memoryCache is the in-memory layer of a jar. Implementations may drop
// entries at any time; callers must tolerate a miss right after PutEntry.
type memoryCache[V any] interface {
	PutEntry(key string, entry *memoryEntry[V])
	GetEntry(key string) *memoryEntry[V]
	DeleteEntry(key string)
	DeleteAllEntries()
}

// newMemoryCache creates a memoryCache for the configured policy
func newMemoryCache[V any](config *commons.Config) (memoryCache[V], error) {
	switch config.MemoryCachePolicy {
	case commons.MemoryCachePolicyLRU:
		return newLRUMemoryCache[V](config.MemoryRecordCountMax)
	case commons.MemoryCachePolicyTTL:
		return newTTLMemoryCache[V](time.Duration(config.MaxAge), time.Duration(config.MemoryTTLCleanup)), nil
	default:
		return nil, xerrors.Errorf("unknown memory cache policy %q", config.MemoryCachePolicy)
	}
}

// lruMemoryCache keeps a bounded number of records, dropping the least
// recently used record on overflow
type lruMemoryCache[V any] struct {
	cache *lrucache.Cache
}

func newLRUMemoryCache[V any](recordCountMax int) (*lruMemoryCache[V], error) {
	cache, err := lrucache.New(recordCountMax)
	if err != nil {
		return nil, xerrors.Errorf("failed to create an LRU cache for %d records: %w", recordCountMax, err)
	}

	return &lruMemoryCache[V]{
		cache: cache,
	}, nil
}

func (cache *lruMemoryCache[V]) PutEntry(key string, entry *memoryEntry[V]) {
	cache.cache.Add(key, entry)
}

func (cache *lruMemoryCache[V]) GetEntry(key string) *memoryEntry[V] {
	if entry, ok := cache.cache.Get(key); ok {
		if cacheEntry, ok := entry.(*memoryEntry[V]); ok {
			return cacheEntry
		}
	}

	return nil
}

func (cache *lruMemoryCache[V]) DeleteEntry(key string) {
	cache.cache.Remove(key)
}

func (cache *lruMemoryCache[V]) DeleteAllEntries() {
	cache.cache.Purge()
}

// ttlMemoryCache keeps records until they age out; a background janitor
// reclaims expired records
type ttlMemoryCache[V any] struct {
	cache *gocache.Cache
}

func newTTLMemoryCache[V any](ttl time.Duration, cleanup time.Duration) *ttlMemoryCache[V] {
	return &ttlMemoryCache[V]{
		cache: gocache.New(ttl, cleanup),
	}
}

func (cache *ttlMemoryCache[V]) PutEntry(key string, entry *memoryEntry[V]) {
	cache.cache.Set(key, entry, 0)
}

func (cache *ttlMemoryCache[V]) GetEntry(key string) *memoryEntry[V] {
	if entry, ok := cache.cache.Get(key); ok {
		if cacheEntry, ok := entry.(*memoryEntry[V]); ok {
			return cacheEntry
		}
	}

	return nil
}

func (cache *ttlMemoryCache[V]) DeleteEntry(key string) {
	cache.cache.Delete(key)
}

func (cache *ttlMemoryCache[V]) DeleteAllEntries() {
	cache.cache.Flush()
}
