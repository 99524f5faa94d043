package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func jwkFor(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

type jwksServer struct {
	*httptest.Server
	hits atomic.Int32
	fail atomic.Bool

	mu   sync.Mutex
	keys []map[string]any
}

func newJWKSServer(t *testing.T, keys ...map[string]any) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.hits.Add(1)
		if s.fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": s.keys})
	}))
	t.Cleanup(s.Close)
	return s
}

func generateRSA(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return k
}

func TestJWKSKeyProvider_Key(t *testing.T) {
	priv := generateRSA(t)
	srv := newJWKSServer(t, jwkFor("k1", &priv.PublicKey), map[string]any{"kty": "EC", "kid": "ec"})
	p := NewJWKSKeyProvider(JWKSConfig{URL: srv.URL})

	key, err := p.Key(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(priv.N) != 0 || pub.E != priv.E {
		t.Errorf("Key() = %v, want the published key", key)
	}

	// A single-key set also matches an empty kid.
	if _, err := p.Key(context.Background(), ""); err != nil {
		t.Errorf("Key(\"\") error = %v", err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}

	if _, err := p.Key(context.Background(), "ec"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Key(ec) error = %v, want ErrKeyNotFound", err)
	}
}

func TestJWKSKeyProvider_RefreshesWhenStale(t *testing.T) {
	priv := generateRSA(t)
	srv := newJWKSServer(t, jwkFor("k1", &priv.PublicKey))
	p := NewJWKSKeyProvider(JWKSConfig{URL: srv.URL, RefreshInterval: time.Minute})

	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	if _, err := p.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := p.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}

func TestJWKSKeyProvider_ServesStaleKeysOnFailure(t *testing.T) {
	priv := generateRSA(t)
	srv := newJWKSServer(t, jwkFor("k1", &priv.PublicKey))
	p := NewJWKSKeyProvider(JWKSConfig{URL: srv.URL, RefreshInterval: time.Minute})

	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }
	if _, err := p.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	srv.fail.Store(true)
	now = now.Add(time.Hour)
	if _, err := p.Key(context.Background(), "k1"); err != nil {
		t.Errorf("Key() with failing endpoint error = %v, want stale key", err)
	}
	if _, err := p.Key(context.Background(), "k2"); err == nil || errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Key(k2) error = %v, want fetch error", err)
	}
}

func TestJWKSKeyProvider_ConcurrentRefreshCollapses(t *testing.T) {
	priv := generateRSA(t)
	srv := newJWKSServer(t, jwkFor("k1", &priv.PublicKey))
	p := NewJWKSKeyProvider(JWKSConfig{URL: srv.URL})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Key(context.Background(), "k1"); err != nil {
				t.Errorf("Key() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := srv.hits.Load(); got > 20 || got < 1 {
		t.Errorf("fetches = %d", got)
	}
}

func TestJWTAuthenticator_WithJWKS(t *testing.T) {
	priv := generateRSA(t)
	srv := newJWKSServer(t, jwkFor("k1", &priv.PublicKey))
	a := NewJWTAuthenticator(JWTConfig{Methods: []string{"RS256"}}, NewJWKSKeyProvider(JWKSConfig{URL: srv.URL}))

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "partner"})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	id, err := a.Authenticate(context.Background(), bearerRequest(signed))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.Principal != "partner" {
		t.Errorf("Principal = %q, want partner", id.Principal)
	}

	hs := signHS256(t, jwt.MapClaims{"sub": "partner"})
	if _, err := a.Authenticate(context.Background(), bearerRequest(hs)); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("HS256 token error = %v, want ErrInvalidCredentials", err)
	}
}
