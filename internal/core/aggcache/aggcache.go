// Package aggcache implements the aggregating cache shared by the Check,
// Quota, and Report aggregators: a size-bounded, time-bounded fingerprint to
// item cache whose evictions are pushed onto an unbounded flush queue for
// periodic draining. The Check/Quota/Report aggregators each instantiate
// their own Cache[T] with a domain-specific item type T (the cached
// response, last-refresh timestamp, pending operation builder, and flags
// word described in the data model).
package aggcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/eugener/sentinel/internal/core"
)

type node[T any] struct {
	key       string
	value     T
	writeTime time.Time
	elem      *list.Element
}

// Cache is a bounded fingerprint->item cache with an attached flush queue.
// All access goes through a single mutex: correctness (single-flight per
// fingerprint, linearizable merges) only requires serializing access to one
// fingerprint at a time, but a single lock over the whole map is the
// simplest implementation that satisfies it and is what this aggregator
// family uses throughout -- contention across unrelated fingerprints is a
// performance concern, not a correctness one, for the request volumes this
// sidecar is sized for.
type Cache[T any] struct {
	mu            sync.Mutex
	maxEntries    int // <=0 disables caching
	ttl           time.Duration
	flushInterval time.Duration
	clock         core.Clock

	entries map[string]*node[T]
	lru     *list.List // front = most recently used

	queue []T
}

// New returns an empty Cache. maxEntries<=0 disables caching entirely (Get
// always misses, Put is a no-op). ttl is the write-TTL bound past which an
// entry is evicted to the flush queue even if never read again.
func New[T any](maxEntries int, ttl, flushInterval time.Duration, clock core.Clock) *Cache[T] {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Cache[T]{
		maxEntries:    maxEntries,
		ttl:           ttl,
		flushInterval: flushInterval,
		clock:         clock,
		entries:       make(map[string]*node[T]),
		lru:           list.New(),
	}
}

// Disabled reports whether caching is turned off (maxEntries<=0).
func (c *Cache[T]) Disabled() bool { return c.maxEntries <= 0 }

// FlushIntervalMillis returns -1 if caching is disabled, else the
// configured flush interval in milliseconds.
func (c *Cache[T]) FlushIntervalMillis() int64 {
	if c.Disabled() {
		return -1
	}
	return c.flushInterval.Milliseconds()
}

// Get returns the cached value for key, evicting it first (to the flush
// queue) if its write-TTL has elapsed.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[T]) getLocked(key string) (T, bool) {
	var zero T
	if c.Disabled() {
		return zero, false
	}
	n, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.expiredLocked(n) {
		c.evictLocked(key, n)
		return zero, false
	}
	c.lru.MoveToFront(n.elem)
	return n.value, true
}

func (c *Cache[T]) expiredLocked(n *node[T]) bool {
	return c.ttl > 0 && c.clock.Now().Sub(n.writeTime) >= c.ttl
}

// Put inserts or replaces the value for key, resetting its write-TTL clock.
// If inserting a new key pushes the cache over its size bound, the
// least-recently-used entry is evicted to the flush queue.
func (c *Cache[T]) Put(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Disabled() {
		return
	}
	now := c.clock.Now()
	if n, ok := c.entries[key]; ok {
		n.value = value
		n.writeTime = now
		c.lru.MoveToFront(n.elem)
		return
	}
	n := &node[T]{key: key, value: value, writeTime: now}
	n.elem = c.lru.PushFront(n)
	c.entries[key] = n

	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		tail := c.lru.Back()
		if tail != nil {
			victim := tail.Value.(*node[T])
			c.evictLocked(victim.key, victim)
		}
	}
}

// evictLocked removes key from the cache and pushes its value onto the
// flush queue. Caller must hold c.mu.
func (c *Cache[T]) evictLocked(key string, n *node[T]) {
	delete(c.entries, key)
	c.lru.Remove(n.elem)
	c.queue = append(c.queue, n.value)
}

// Mutate atomically loads the current value for key (if any) and replaces
// it with whatever fn returns. fn runs under the cache's lock, which is how
// this type provides per-fingerprint single-flight semantics: concurrent
// callers for the same key observe mutations in strict sequence. If fn
// returns keep=false, the cache is not written: an absent key stays absent
// and an existing entry keeps its value and write time (used when the
// caller decides, having seen the current state, that nothing should be
// cached).
func (c *Cache[T]) Mutate(key string, fn func(existing T, ok bool, now time.Time) (newValue T, keep bool)) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.getLocked(key)
	now := c.clock.Now()
	newValue, keep := fn(existing, ok, now)
	if !keep || c.Disabled() {
		return newValue
	}
	if n, exists := c.entries[key]; exists {
		n.value = newValue
		n.writeTime = now
		c.lru.MoveToFront(n.elem)
	} else {
		n := &node[T]{key: key, value: newValue, writeTime: now}
		n.elem = c.lru.PushFront(n)
		c.entries[key] = n
		if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
			if tail := c.lru.Back(); tail != nil {
				victim := tail.Value.(*node[T])
				c.evictLocked(victim.key, victim)
			}
		}
	}
	return newValue
}

// Delete removes key without pushing it onto the flush queue (used by
// explicit cache invalidation, not by normal eviction).
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.lru.Remove(n.elem)
	}
}

// expireAgedLocked scans all live entries for ones whose write-TTL has
// elapsed and evicts them to the flush queue. Called by Flush so that
// age-based eviction does not depend on a Get ever happening again for a
// cold fingerprint.
func (c *Cache[T]) expireAgedLocked() {
	if c.ttl <= 0 {
		return
	}
	now := c.clock.Now()
	for key, n := range c.entries {
		if now.Sub(n.writeTime) >= c.ttl {
			c.evictLocked(key, n)
		}
	}
}

// Flush drains the flush queue (after first moving any newly-aged entries
// into it) and returns everything it contained.
func (c *Cache[T]) Flush() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireAgedLocked()
	out := c.queue
	c.queue = nil
	return out
}

// Range calls f for every live (non-evicted) entry. Iteration stops early
// if f returns false. Used by aggregators to build background-refresh
// requests from entries that are still cached but stale.
func (c *Cache[T]) Range(f func(key string, value T) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, n := range c.entries {
		if !f(key, n.value) {
			return
		}
	}
}

// Clear invalidates the cache and discards the output queue without
// draining it, for use on shutdown.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*node[T])
	c.lru.Init()
	c.queue = nil
}

// Len returns the number of live entries (excludes queued-for-flush items).
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
