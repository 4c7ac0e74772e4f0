// Package recentcache implements the "recently scheduled fid" cache
// consulted by the transfer-scheduling handler (spec §4.7 step 4): a
// size-capped, TTL-expiring set of file ids already handed out as
// balance/drain work, so the same fid is not scheduled twice before
// the prior job lands.
//
// Grounded on internal/cache/lru.go's weighted LRU shape
// (map+container/list, background cleanup goroutine, capacity-bound
// eviction), generalized from a byte-weighted data cache to a plain
// fid membership set with a one-hour TTL and ~100000-entry cap (spec
// invariant P9).
package recentcache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultTTL and DefaultCapacity match spec §4.7 step 4 ("one-hour
// TTL; size-capped (~100 000) with opportunistic eviction").
const (
	DefaultTTL      = time.Hour
	DefaultCapacity = 100_000
)

type entry struct {
	fid     uint64
	addedAt time.Time
	elem    *list.Element
}

// Cache is a thread-safe, TTL-and-capacity-bounded set of recently
// scheduled fids.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	items    map[uint64]*entry
	order    *list.List // front = most recently added
	now      func() time.Time
}

// New returns a Cache with the given ttl and capacity. A zero ttl or
// capacity uses the spec defaults.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[uint64]*entry),
		order:    list.New(),
		now:      time.Now,
	}
}

// Contains reports whether fid was scheduled within the TTL window,
// opportunistically evicting it if its entry has expired.
func (c *Cache) Contains(fid uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[fid]
	if !ok {
		return false
	}
	if c.now().Sub(e.addedAt) > c.ttl {
		c.removeLocked(e)
		return false
	}
	return true
}

// MarkScheduled records fid as scheduled now. If the cache is at
// capacity, the oldest entry is evicted first (opportunistic eviction,
// spec §4.7 step 4).
func (c *Cache) MarkScheduled(fid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[fid]; ok {
		e.addedAt = c.now()
		c.order.MoveToFront(e.elem)
		return
	}

	c.evictExpiredLocked()
	for len(c.items) >= c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(c.items[back.Value.(uint64)])
	}

	e := &entry{fid: fid, addedAt: c.now()}
	e.elem = c.order.PushFront(fid)
	c.items[fid] = e
}

// evictExpiredLocked opportunistically drops expired entries from the
// back of the list (oldest first) without a full scan.
func (c *Cache) evictExpiredLocked() {
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := c.items[back.Value.(uint64)]
		if c.now().Sub(e.addedAt) <= c.ttl {
			return
		}
		c.removeLocked(e)
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.items, e.fid)
}

// Len returns the current number of tracked entries, including any not
// yet opportunistically evicted past their TTL.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
