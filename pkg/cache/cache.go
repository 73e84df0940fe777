// Package cache implements the byte-budgeted LRU content cache that sits in
// front of the static file tree: a hit serves a copy of the cached bytes
// with no file I/O, a miss falls through to the response writer which
// populates the cache afterward.
package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrTooLarge is returned by callers that want to distinguish a no-op Put
// (entry larger than the cache's budget) from a successful insert. Put
// itself never returns an error — it silently no-ops, per the eviction
// contract — this is exposed only for tests and observability.
var ErrTooLarge = errors.New("cache: entry exceeds max size")

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	CurrentSize int64
	MaxSize     int64
	Count       int
	MaxAge      time.Duration
}

type entry struct {
	key          string
	data         []byte
	mime         string
	lastModified time.Time
	elem         *list.Element
}

// Cache is a thread-safe, byte-budgeted LRU cache keyed by absolute file
// path. Readers may proceed concurrently; any mutation, including the LRU
// promotion triggered by a read hit, takes the exclusive section.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	order       *list.List // front = most recently used, back = least
	currentSize int64
	maxSize     int64
	maxAge      time.Duration
}

// New creates a cache with the given byte budget and observability max-age.
// maxAge is never enforced on read; it is retained purely for Stats().
func New(maxSize int64, maxAge time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// Get returns a copy of the cached bytes for key, along with its mime type
// and last-modified time. A hit promotes key to the most-recently-used
// position. The returned slice is a copy; the cache never exposes its
// internal buffer by reference.
func (c *Cache) Get(key string) (data []byte, mime string, lastModified time.Time, ok bool) {
	c.mu.RLock()
	e, found := c.entries[key]
	if !found {
		c.mu.RUnlock()
		return nil, "", time.Time{}, false
	}
	data = make([]byte, len(e.data))
	copy(data, e.data)
	mime = e.mime
	lastModified = e.lastModified
	c.mu.RUnlock()

	c.mu.Lock()
	if e, found = c.entries[key]; found {
		c.order.MoveToFront(e.elem)
	}
	c.mu.Unlock()

	return data, mime, lastModified, true
}

// Put inserts or replaces the entry for key. If an entry already exists it
// is evicted first (its bytes subtracted from currentSize). If len(data)
// exceeds maxSize the call is a no-op: the cache is left completely
// unchanged. Otherwise least-recently-used entries are evicted until the
// new entry fits, and the new entry is inserted at the most-recently-used
// position.
func (c *Cache) Put(key string, data []byte, mime string, lastModified time.Time) {
	size := int64(len(data))
	if size > c.maxSize {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, found := c.entries[key]; found {
		c.currentSize -= int64(len(existing.data))
		c.order.Remove(existing.elem)
		delete(c.entries, key)
	}

	for c.currentSize+size > c.maxSize && c.order.Len() > 0 {
		back := c.order.Back()
		lruKey := back.Value.(string)
		if victim, found := c.entries[lruKey]; found {
			c.currentSize -= int64(len(victim.data))
			delete(c.entries, lruKey)
		}
		c.order.Remove(back)
	}

	buf := make([]byte, size)
	copy(buf, data)

	elem := c.order.PushFront(key)
	c.entries[key] = &entry{
		key:          key,
		data:         buf,
		mime:         mime,
		lastModified: lastModified,
		elem:         elem,
	}
	c.currentSize += size
}

// Remove evicts key if present, reporting whether it was found.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found {
		return false
	}
	c.currentSize -= int64(len(e.data))
	c.order.Remove(e.elem)
	delete(c.entries, key)
	return true
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.order.Init()
	c.currentSize = 0
}

// Size returns the current occupied bytes.
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentSize
}

// Count returns the number of entries.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// MaxAge returns the configured observability max-age. Eviction is
// strictly LRU; no TTL scan runs on Get.
func (c *Cache) MaxAge() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxAge
}

// SetMaxAge updates the observability max-age.
func (c *Cache) SetMaxAge(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxAge = d
}

// Stats returns a point-in-time snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		CurrentSize: c.currentSize,
		MaxSize:     c.maxSize,
		Count:       len(c.entries),
		MaxAge:      c.maxAge,
	}
}
