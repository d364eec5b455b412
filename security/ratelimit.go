package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxLimiterEntries bounds the number of tracked identifiers to
	// keep memory usage predictable under churn.
	defaultMaxLimiterEntries = 10000

	// limiterIdleTimeout is how long an identifier may stay idle before its
	// limiter is discarded.
	limiterIdleTimeout = 30 * time.Minute

	// limiterCleanupInterval is how often idle limiters are swept.
	limiterCleanupInterval = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-identifier rate limiting with a token bucket per
// identifier. It is used to bound introspection traffic to the identity
// provider on a per-subject basis.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*limiterEntry
	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst per identifier.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		entries:    make(map[string]*limiterEntry),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: defaultMaxLimiterEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether the identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[identifier]
	if !ok {
		if len(rl.entries) >= rl.maxEntries {
			rl.evictOldest()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.entries[identifier] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// evictOldest removes the least recently seen entry. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range rl.entries {
		if oldestKey == "" || entry.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = entry.lastSeen
		}
	}
	if oldestKey != "" {
		delete(rl.entries, oldestKey)
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(limiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("Cleaned up idle rate limiters", "removed", removed, "remaining", len(rl.entries))
	}
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
