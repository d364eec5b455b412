package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/authbridge/tokenvault/instrumentation"
	"github.com/authbridge/tokenvault/providers"
	"github.com/authbridge/tokenvault/security"
)

// ErrRateLimited indicates introspection was throttled before reaching the
// provider.
var ErrRateLimited = errors.New("introspection rate limited")

const defaultIntrospectionCacheEntries = 10000

// ValidateAccessToken checks an access token against the identity provider.
// Active results are cached briefly, bounded by both the configured TTL and
// the token's own expiry; inactive results are never cached, so a revoked
// token stops validating as soon as the positive cache entry runs out.
func (s *Service) ValidateAccessToken(ctx context.Context, accessToken string) (*providers.Introspection, error) {
	if accessToken == "" {
		return nil, errors.New("broker: access token is empty")
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "broker.validate_access_token")
		defer span.End()
	}
	instrumentation.AddProviderAttributes(span, s.provider.Name(), "introspect")

	fp := security.Fingerprint(accessToken)
	if intro, ok := s.introspection.Get(fp); ok {
		s.addMetric(func(m *instrumentation.Metrics) { m.IntrospectionCacheHits.Add(ctx, 1) })
		instrumentation.SetSpanSuccess(span)
		return intro, nil
	}
	s.addMetric(func(m *instrumentation.Metrics) { m.IntrospectionCacheMisses.Add(ctx, 1) })

	if !s.introLimiter.Allow(fp) {
		instrumentation.SetSpanError(span, "rate limited")
		return nil, fmt.Errorf("token %s: %w", fp[:16], ErrRateLimited)
	}

	start := time.Now()
	intro, err := s.provider.Introspect(ctx, accessToken)
	s.recordProviderCall(ctx, "introspect", err, time.Since(start))
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("introspect token: %w", err)
	}
	instrumentation.SetSpanSuccess(span)

	if intro.Active {
		if ttl := s.introspectionTTL(accessToken, intro); ttl > 0 {
			s.introspection.Set(fp, intro, ttl)
		}
	}
	return intro, nil
}

// introspectionTTL bounds how long a positive introspection may be cached:
// never past the configured TTL, never past the token's expiry as reported
// by the provider, and never past the exp claim when the token is a JWT.
// The claim peek is unverified; it only ever shortens the TTL.
func (s *Service) introspectionTTL(accessToken string, intro *providers.Introspection) time.Duration {
	ttl := s.opts.IntrospectionCacheTTL

	now := time.Now()
	if !intro.ExpiresAt.IsZero() {
		if remaining := intro.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}

	if exp := peekJWTExpiry(accessToken); exp != nil {
		if remaining := exp.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

// peekJWTExpiry extracts the exp claim from a JWT access token without
// verifying its signature. Returns nil for opaque tokens or tokens without
// an exp claim.
func peekJWTExpiry(accessToken string) *time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}

// introspectionCache holds positive introspection results keyed by token
// fingerprint, with per-entry TTL.
type introspectionCache struct {
	mu         sync.RWMutex
	entries    map[string]*introspectionEntry
	maxEntries int
}

type introspectionEntry struct {
	intro     *providers.Introspection
	expiresAt time.Time
	cachedAt  time.Time
}

func newIntrospectionCache(maxEntries int) *introspectionCache {
	if maxEntries <= 0 {
		maxEntries = defaultIntrospectionCacheEntries
	}
	return &introspectionCache{
		entries:    make(map[string]*introspectionEntry),
		maxEntries: maxEntries,
	}
}

func (c *introspectionCache) Get(fingerprint string) (*providers.Introspection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[fingerprint]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	out := *entry.intro
	return &out, true
}

func (c *introspectionCache) Set(fingerprint string, intro *providers.Introspection, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fingerprint]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	stored := *intro
	now := time.Now()
	c.entries[fingerprint] = &introspectionEntry{
		intro:     &stored,
		expiresAt: now.Add(ttl),
		cachedAt:  now,
	}
}

// evictOldest removes the oldest entry. Caller must hold the write lock.
func (c *introspectionCache) evictOldest() {
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
