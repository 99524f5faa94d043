package auth

import (
	"context"
	"net/http"
)

// Chain tries authenticators in order. The first one that supports the
// request and succeeds wins. Internal errors stop the chain immediately;
// credential failures fall through to the next authenticator.
type Chain []Authenticator

// Name returns "chain".
func (c Chain) Name() string { return "chain" }

// Supports reports whether any member supports r.
func (c Chain) Supports(r *http.Request) bool {
	for _, a := range c {
		if a.Supports(r) {
			return true
		}
	}
	return false
}

// Authenticate returns the first successful identity, or the last
// credential failure.
func (c Chain) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	lastErr := ErrMissingCredentials
	for _, a := range c {
		if !a.Supports(r) {
			continue
		}
		id, err := a.Authenticate(ctx, r)
		if err == nil {
			return id, nil
		}
		if !IsCredentialError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

var _ Authenticator = Chain(nil)
