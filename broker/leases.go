package broker

import (
	"sync"
	"time"
)

// Lease is a caller-facing access token with its metadata. The refresh
// credential that produced it never leaves the broker.
type Lease struct {
	AccessToken string
	TokenType   string
	Scope       string
	ExpiresAt   time.Time
}

// Valid reports whether the lease is still usable at the given time with the
// given safety margin before expiry.
func (l *Lease) Valid(now time.Time, margin time.Duration) bool {
	if l == nil || l.AccessToken == "" {
		return false
	}
	if l.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(l.ExpiresAt.Add(-margin))
}

// leaseCache is an in-memory cache of issued leases keyed by subject and
// realm. Expiry is checked on read; revocation paths call Invalidate so a
// revoked credential's lease never outlives the store's view of it.
type leaseCache struct {
	mu         sync.RWMutex
	entries    map[string]*leaseEntry
	maxEntries int
}

type leaseEntry struct {
	lease    *Lease
	cachedAt time.Time
}

func newLeaseCache(maxEntries int) *leaseCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &leaseCache{
		entries:    make(map[string]*leaseEntry),
		maxEntries: maxEntries,
	}
}

// Get returns the cached lease if present and still valid within the margin.
func (c *leaseCache) Get(key string, margin time.Duration) (*Lease, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.lease.Valid(time.Now(), margin) {
		return nil, false
	}
	out := *entry.lease
	return &out, true
}

// Set stores a lease, evicting the oldest entry when the cache is full.
func (c *leaseCache) Set(key string, lease *Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	stored := *lease
	c.entries[key] = &leaseEntry{
		lease:    &stored,
		cachedAt: time.Now(),
	}
}

// Invalidate drops the lease for a key. Called on every revocation path.
func (c *leaseCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached leases.
func (c *leaseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest removes the oldest cached entry by insertion time.
// Caller must hold the write lock.
//
// O(n) eviction; fine for the default max of 1000 entries.
func (c *leaseCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
