package db

import (
	"container/list"
	"time"

	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
)

// cache is a byte-bounded LRU over parsed object trees. The list front
// is the most recently locked object; eviction drops from the back
// until the total estimated size fits the budget. A zero budget
// disables the cache. Callers hold the store mutex.
type cache struct {
	max     int64
	size    int64
	order   *list.List // of *cacheEntry, front = most recent
	entries map[string]*list.Element
}

type cacheEntry struct {
	key      string
	value    *json.Value
	size     int64
	parsedAt time.Time
}

func newCache(max int64) *cache {
	return &cache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *cache) enabled() bool {
	return c.max > 0
}

func (c *cache) get(key string) *cacheEntry {
	if elem, ok := c.entries[key]; ok {
		return elem.Value.(*cacheEntry)
	}
	return nil
}

// promote moves key to the most-recently-used position.
func (c *cache) promote(key string) {
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
	}
}

// put inserts or refreshes key, re-running eviction afterwards. locked
// entries are never evicted; their owners re-account them on unlock.
func (c *cache) put(key string, v *json.Value, parsedAt time.Time, locked map[string]bool) {
	newSize := int64(json.EstimateSize(v))
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size += newSize - entry.size
		entry.value = v
		entry.size = newSize
		entry.parsedAt = parsedAt
		c.order.MoveToFront(elem)
	} else {
		entry := &cacheEntry{key: key, value: v, size: newSize, parsedAt: parsedAt}
		c.entries[key] = c.order.PushFront(entry)
		c.size += newSize
	}
	c.evict(locked)
}

// remove drops key without evicting anything else.
func (c *cache) remove(key string) {
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size -= entry.size
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// evict drops least-recently-used entries until the cache fits the
// budget. Entries currently checked out are skipped.
func (c *cache) evict(locked map[string]bool) {
	elem := c.order.Back()
	for c.size > c.max && elem != nil {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if !locked[entry.key] {
			L_trace("db: evicting from cache", "path", entry.key, "size", entry.size)
			c.size -= entry.size
			c.order.Remove(elem)
			delete(c.entries, entry.key)
		}
		elem = prev
	}
}

// setMax changes the budget. Dropping it to zero clears the cache.
func (c *cache) setMax(max int64, locked map[string]bool) {
	c.max = max
	if max <= 0 {
		c.order.Init()
		c.entries = make(map[string]*list.Element)
		c.size = 0
		return
	}
	c.evict(locked)
}
