package cache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClockedCache() (*MemoryCache, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache()
	c.now = clock.Now
	return c, clock
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want error
	}{
		{"valid", "catalog:abc", nil},
		{"empty", "", ErrInvalidKey},
		{"blank", "   ", ErrInvalidKey},
		{"newline", "a\nb", ErrInvalidKey},
		{"too long", strings.Repeat("k", MaxKeyLength+1), ErrKeyTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateKey(tt.key); got != tt.want {
				t.Errorf("ValidateKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryCache_SetGetExpire(t *testing.T) {
	c, clock := newClockedCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get() = %q, %v", got, ok)
	}

	clock.Advance(time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("Get() should miss once the TTL has elapsed")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after lazy expiry", c.Len())
	}
}

func TestMemoryCache_NonPositiveTTLStoresNothing(t *testing.T) {
	c, _ := newClockedCache()
	_ = c.Set(context.Background(), "k", []byte("v"), 0)
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestMemoryCache_SetRejectsInvalidKey(t *testing.T) {
	c, _ := newClockedCache()
	if err := c.Set(context.Background(), "", []byte("v"), time.Minute); err != ErrInvalidKey {
		t.Errorf("Set() error = %v, want ErrInvalidKey", err)
	}
}

func TestMemoryCache_StoresCopy(t *testing.T) {
	c, _ := newClockedCache()
	buf := []byte("abc")
	_ = c.Set(context.Background(), "k", buf, time.Minute)
	buf[0] = 'x'

	got, _ := c.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Errorf("Get() = %q, want abc", got)
	}
}

func TestMemoryCache_DeleteAndSweep(t *testing.T) {
	c, clock := newClockedCache()
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("1"), time.Second)
	_ = c.Set(ctx, "long", []byte("2"), time.Hour)
	_ = c.Delete(ctx, "missing")

	clock.Advance(2 * time.Second)
	if removed := c.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	_ = c.Delete(ctx, "long")
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestPolicy_EffectiveTTL(t *testing.T) {
	p := Policy{DefaultTTL: 5 * time.Minute, MaxTTL: 10 * time.Minute}

	tests := []struct {
		override time.Duration
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{-time.Second, 5 * time.Minute},
		{time.Minute, time.Minute},
		{time.Hour, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.EffectiveTTL(tt.override); got != tt.want {
			t.Errorf("EffectiveTTL(%v) = %v, want %v", tt.override, got, tt.want)
		}
	}

	if NoCachePolicy().ShouldCache() {
		t.Error("NoCachePolicy should disable caching")
	}
	if !DefaultPolicy().ShouldCache() {
		t.Error("DefaultPolicy should enable caching")
	}
}
