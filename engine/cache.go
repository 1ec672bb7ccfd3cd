package engine

import (
	"container/list"
	"sync"
	"time"

	"github.com/bibin-skaria/layerfs/layers"
)

// MetadataCacheEntry is an independent snapshot of layer metadata. Mutating
// the source layer after the snapshot is taken does not update the entry.
type MetadataCacheEntry struct {
	Digest          string                 `json:"digest"`
	MediaType       string                 `json:"media_type"`
	Size            int64                  `json:"size"`
	Annotations     map[string]string      `json:"annotations,omitempty"`
	Dependencies    []string               `json:"dependencies,omitempty"`
	StoragePath     string                 `json:"storage_path,omitempty"`
	Compressed      bool                   `json:"compressed"`
	CompressionType layers.CompressionType `json:"compression_type,omitempty"`
	Validated       bool                   `json:"validated"`
	LastAccessed    time.Time              `json:"last_accessed"`
	AccessCount     int64                  `json:"access_count"`
}

// NewMetadataCacheEntry snapshots the cached subset of layer's fields
func NewMetadataCacheEntry(layer *layers.Layer) *MetadataCacheEntry {
	snapshot := layer.Clone()
	return &MetadataCacheEntry{
		Digest:          snapshot.Digest,
		MediaType:       snapshot.MediaType,
		Size:            snapshot.Size,
		Annotations:     snapshot.Annotations,
		Dependencies:    snapshot.Dependencies,
		StoragePath:     snapshot.StoragePath,
		Compressed:      snapshot.Compressed,
		CompressionType: snapshot.CompressionType,
		Validated:       snapshot.Validated,
		LastAccessed:    time.Now(),
	}
}

func (e *MetadataCacheEntry) clone() *MetadataCacheEntry {
	c := *e
	if e.Annotations != nil {
		c.Annotations = make(map[string]string, len(e.Annotations))
		for k, v := range e.Annotations {
			c.Annotations[k] = v
		}
	}
	if e.Dependencies != nil {
		c.Dependencies = append([]string(nil), e.Dependencies...)
	}
	return &c
}

// CacheStats reports the state of a MetadataCache
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	HitRate    float64 `json:"hit_rate"`
}

// MetadataCache is a bounded LRU cache of layer metadata keyed by digest.
// Get, Put and eviction are O(1).
type MetadataCache struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	lruList    *list.List
	metrics    *Metrics

	hits      int64
	misses    int64
	evictions int64
}

// NewMetadataCache creates a cache holding at most maxEntries entries (at least one)
func NewMetadataCache(maxEntries int) *MetadataCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &MetadataCache{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		lruList:    list.New(),
	}
}

// Get returns a copy of the entry for digest. A hit refreshes the entry's
// LastAccessed and AccessCount and makes it the most recently used.
func (c *MetadataCache) Get(digest string) (*MetadataCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[digest]
	if !exists {
		c.misses++
		c.metrics.cacheMiss()
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	entry := elem.Value.(*MetadataCacheEntry)
	entry.LastAccessed = time.Now()
	entry.AccessCount++

	c.hits++
	c.metrics.cacheHit()
	return entry.clone(), true
}

// Put stores a copy of entry under digest. An existing entry is replaced in
// place; otherwise the least recently used entry is evicted first when the
// cache is full.
func (c *MetadataCache) Put(digest string, entry *MetadataCacheEntry) {
	if entry == nil {
		return
	}

	stored := entry.clone()
	stored.Digest = digest
	stored.LastAccessed = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[digest]; exists {
		stored.AccessCount = elem.Value.(*MetadataCacheEntry).AccessCount
		elem.Value = stored
		c.lruList.MoveToFront(elem)
		return
	}

	if c.lruList.Len() >= c.maxEntries {
		c.evictOldest()
	}

	c.items[digest] = c.lruList.PushFront(stored)
}

// Delete removes the entry for digest, if any
func (c *MetadataCache) Delete(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[digest]; exists {
		c.lruList.Remove(elem)
		delete(c.items, digest)
	}
}

// Contains reports whether digest is cached without touching its recency
func (c *MetadataCache) Contains(digest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.items[digest]
	return exists
}

// Len returns the number of cached entries
func (c *MetadataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Clear drops every entry. Counters are kept.
func (c *MetadataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lruList.Init()
}

// Stats returns a snapshot of the cache counters
func (c *MetadataCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Entries:    c.lruList.Len(),
		MaxEntries: c.maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// evictOldest removes the least recently used entry
func (c *MetadataCache) evictOldest() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}

	c.lruList.Remove(elem)
	delete(c.items, elem.Value.(*MetadataCacheEntry).Digest)
	c.evictions++
	c.metrics.cacheEviction()
}
