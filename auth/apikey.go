package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultAPIKeyHeader is the header APIKeyAuthenticator reads by default.
const DefaultAPIKeyHeader = "X-API-Key"

// APIKey describes a registered key. Only the SHA-256 hash of the raw key
// is kept.
type APIKey struct {
	ID        string
	Principal string
	AppID     string
	ExpiresAt time.Time
}

// HashAPIKey returns the hex SHA-256 digest used to index raw keys.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyAuthenticator checks a request header against registered keys.
type APIKeyAuthenticator struct {
	header string
	now    func() time.Time

	mu   sync.RWMutex
	keys map[string]APIKey // by hash
}

// NewAPIKeyAuthenticator creates an authenticator reading header, or
// DefaultAPIKeyHeader when header is empty.
func NewAPIKeyAuthenticator(header string) *APIKeyAuthenticator {
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	return &APIKeyAuthenticator{
		header: header,
		now:    time.Now,
		keys:   make(map[string]APIKey),
	}
}

// Add registers raw under key. Re-adding the same raw key replaces it.
func (a *APIKeyAuthenticator) Add(raw string, key APIKey) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("auth: empty api key")
	}
	if key.ID == "" {
		key.ID = HashAPIKey(raw)[:12]
	}
	a.mu.Lock()
	a.keys[HashAPIKey(raw)] = key
	a.mu.Unlock()
	return nil
}

// Remove deletes every key registered under id and reports whether any was
// found.
func (a *APIKeyAuthenticator) Remove(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	found := false
	for hash, k := range a.keys {
		if k.ID == id {
			delete(a.keys, hash)
			found = true
		}
	}
	return found
}

// Len returns the number of registered keys.
func (a *APIKeyAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Name returns "api_key".
func (a *APIKeyAuthenticator) Name() string { return string(MethodAPIKey) }

// Supports reports whether the key header is present.
func (a *APIKeyAuthenticator) Supports(r *http.Request) bool {
	return r.Header.Get(a.header) != ""
}

// Authenticate looks up the presented key.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, r *http.Request) (*Identity, error) {
	raw := strings.TrimSpace(r.Header.Get(a.header))
	if raw == "" {
		return nil, ErrMissingCredentials
	}

	a.mu.RLock()
	key, ok := a.keys[HashAPIKey(raw)]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}

	id := &Identity{
		Principal: key.Principal,
		AppID:     key.AppID,
		Method:    MethodAPIKey,
		ExpiresAt: key.ExpiresAt,
	}
	if id.Principal == "" {
		id.Principal = key.ID
	}
	if id.Expired(a.now()) {
		return nil, ErrTokenExpired
	}
	return id, nil
}

var _ Authenticator = (*APIKeyAuthenticator)(nil)
