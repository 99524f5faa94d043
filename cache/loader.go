package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// LoadFunc produces the value for a cache miss.
type LoadFunc func(ctx context.Context) ([]byte, error)

// Loader is a read-through cache. Concurrent misses for the same key share
// a single call to the load function. Errors are never cached.
type Loader struct {
	cache  Cache
	keyer  Keyer
	policy Policy
	group  singleflight.Group
}

// NewLoader creates a Loader. A nil keyer selects DefaultKeyer.
func NewLoader(c Cache, keyer Keyer, policy Policy) (*Loader, error) {
	if c == nil {
		return nil, ErrNilCache
	}
	if keyer == nil {
		keyer = NewDefaultKeyer()
	}
	return &Loader{cache: c, keyer: keyer, policy: policy}, nil
}

// Load returns the cached value for (namespace, input) or calls load and
// caches its result. The second return reports a cache hit.
func (l *Loader) Load(ctx context.Context, namespace string, input any, load LoadFunc) ([]byte, bool, error) {
	if !l.policy.ShouldCache() {
		v, err := load(ctx)
		return v, false, err
	}

	key, err := l.keyer.Key(namespace, input)
	if err != nil {
		v, err := load(ctx)
		return v, false, err
	}

	if v, ok := l.cache.Get(ctx, key); ok {
		return v, true, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		b, err := load(ctx)
		if err != nil {
			return nil, err
		}
		_ = l.cache.Set(ctx, key, b, l.policy.EffectiveTTL(0))
		return b, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// Invalidate drops the cached value for (namespace, input).
func (l *Loader) Invalidate(ctx context.Context, namespace string, input any) error {
	key, err := l.keyer.Key(namespace, input)
	if err != nil {
		return err
	}
	return l.cache.Delete(ctx, key)
}
