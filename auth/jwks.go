package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// JWKSConfig configures JWKSKeyProvider.
type JWKSConfig struct {
	URL string

	// RefreshInterval is how long a fetched key set stays fresh.
	// Default: 1h.
	RefreshInterval time.Duration

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

// JWKSKeyProvider serves RSA verification keys from a JWKS endpoint.
//
// Keys are refetched when stale or when an unknown kid is requested.
// Concurrent refreshes collapse into one request, and a failed refresh
// keeps serving the last good key set.
type JWKSKeyProvider struct {
	cfg   JWKSConfig
	group singleflight.Group
	now   func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWKSKeyProvider creates a provider for cfg.URL. Nothing is fetched
// until the first Key call.
func NewJWKSKeyProvider(cfg JWKSConfig) *JWKSKeyProvider {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSKeyProvider{cfg: cfg, now: time.Now}
}

// Key returns the key with the given kid. An empty kid matches only when
// the set holds exactly one key.
func (p *JWKSKeyProvider) Key(ctx context.Context, kid string) (any, error) {
	p.mu.RLock()
	key := p.lookup(kid)
	fresh := !p.fetchedAt.IsZero() && p.now().Sub(p.fetchedAt) < p.cfg.RefreshInterval
	p.mu.RUnlock()
	if key != nil && fresh {
		return key, nil
	}

	_, err, _ := p.group.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})

	p.mu.RLock()
	key = p.lookup(kid)
	p.mu.RUnlock()
	if key != nil {
		return key, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// lookup requires p.mu.
func (p *JWKSKeyProvider) lookup(kid string) *rsa.PublicKey {
	if kid != "" {
		return p.keys[kid]
	}
	if len(p.keys) == 1 {
		for _, k := range p.keys {
			return k
		}
	}
	return nil
}

func (p *JWKSKeyProvider) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("jwks: build request: %w", err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: fetch: status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks: no usable RSA signing keys")
	}

	p.mu.Lock()
	p.keys = keys
	p.fetchedAt = p.now()
	p.mu.Unlock()
	return nil
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil || len(n) == 0 {
		return nil, fmt.Errorf("jwks: bad modulus for kid %q", k.Kid)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil || len(e) == 0 {
		return nil, fmt.Errorf("jwks: bad exponent for kid %q", k.Kid)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("jwks: bad exponent for kid %q", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

var _ KeyProvider = (*JWKSKeyProvider)(nil)
