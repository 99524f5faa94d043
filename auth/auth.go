package auth

import (
	"context"
	"net/http"
	"time"
)

// Method names the credential kind that produced an Identity.
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
)

// Identity is an authenticated caller.
type Identity struct {
	// Principal identifies the caller, e.g. the JWT subject or API key owner.
	Principal string

	// AppID is the application the caller acts for, if the credential names
	// one. Submissions use it as the default rate-limit key.
	AppID string

	Method Method

	// Claims holds the verified token claims. Empty for API keys.
	Claims map[string]any

	// ExpiresAt is zero when the credential never expires.
	ExpiresAt time.Time
}

// Expired reports whether the identity has expired at now.
func (id *Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// Authenticator verifies the credentials carried by an HTTP request.
//
// Authenticate returns an error wrapping one of the credential sentinels
// when the request is not authenticated, and any other error when
// verification itself could not be carried out. Implementations must be
// safe for concurrent use.
type Authenticator interface {
	Name() string

	// Supports reports whether the request carries a credential of this kind.
	Supports(r *http.Request) bool

	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by Middleware, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// PrincipalFromContext returns the principal of the identity in ctx, or "".
func PrincipalFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.Principal
	}
	return ""
}
