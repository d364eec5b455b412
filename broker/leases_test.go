package broker

import (
	"fmt"
	"testing"
	"time"
)

func TestLeaseValid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		lease  *Lease
		margin time.Duration
		want   bool
	}{
		{"nil lease", nil, 0, false},
		{"empty token", &Lease{ExpiresAt: now.Add(time.Hour)}, 0, false},
		{"zero expiry", &Lease{AccessToken: "t"}, 0, false},
		{"well before expiry", &Lease{AccessToken: "t", ExpiresAt: now.Add(time.Hour)}, 30 * time.Second, true},
		{"inside safety margin", &Lease{AccessToken: "t", ExpiresAt: now.Add(10 * time.Second)}, 30 * time.Second, false},
		{"already expired", &Lease{AccessToken: "t", ExpiresAt: now.Add(-time.Minute)}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.lease.Valid(now, tt.margin); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLeaseCache_SetGetInvalidate(t *testing.T) {
	cache := newLeaseCache(10)
	lease := &Lease{
		AccessToken: "tok",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	if _, ok := cache.Get("k", 0); ok {
		t.Error("Get() on empty cache returned a lease")
	}

	cache.Set("k", lease)
	got, ok := cache.Get("k", 0)
	if !ok {
		t.Fatal("Get() miss after Set()")
	}
	if got.AccessToken != "tok" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}

	// Returned lease is a copy; mutating it must not poison the cache
	got.AccessToken = "mutated"
	again, ok := cache.Get("k", 0)
	if !ok || again.AccessToken != "tok" {
		t.Error("cache entry was mutated through a returned copy")
	}

	cache.Invalidate("k")
	if _, ok := cache.Get("k", 0); ok {
		t.Error("Get() hit after Invalidate()")
	}
}

func TestLeaseCache_MarginExcludesNearExpiry(t *testing.T) {
	cache := newLeaseCache(10)
	cache.Set("k", &Lease{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(10 * time.Second),
	})

	if _, ok := cache.Get("k", 0); !ok {
		t.Error("lease should be valid without margin")
	}
	if _, ok := cache.Get("k", 30*time.Second); ok {
		t.Error("lease inside the safety margin should not be served")
	}
}

func TestLeaseCache_EvictsOldestWhenFull(t *testing.T) {
	cache := newLeaseCache(3)
	expiry := time.Now().Add(time.Hour)

	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("k%d", i), &Lease{AccessToken: "t", ExpiresAt: expiry})
		time.Sleep(time.Millisecond)
	}
	cache.Set("k3", &Lease{AccessToken: "t", ExpiresAt: expiry})

	if cache.Len() != 3 {
		t.Errorf("Len() = %d, want 3", cache.Len())
	}
	if _, ok := cache.Get("k0", 0); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := cache.Get("k3", 0); !ok {
		t.Error("newest entry missing after eviction")
	}
}

func TestLeaseCache_OverwriteDoesNotEvict(t *testing.T) {
	cache := newLeaseCache(2)
	expiry := time.Now().Add(time.Hour)

	cache.Set("a", &Lease{AccessToken: "1", ExpiresAt: expiry})
	cache.Set("b", &Lease{AccessToken: "2", ExpiresAt: expiry})
	cache.Set("a", &Lease{AccessToken: "3", ExpiresAt: expiry})

	if cache.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cache.Len())
	}
	got, ok := cache.Get("a", 0)
	if !ok || got.AccessToken != "3" {
		t.Errorf("overwritten entry = %+v", got)
	}
	if _, ok := cache.Get("b", 0); !ok {
		t.Error("untouched entry evicted by overwrite")
	}
}
