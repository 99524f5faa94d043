package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures JWTAuthenticator.
type JWTConfig struct {
	// Issuer and Audience are enforced when non-empty.
	Issuer   string
	Audience string

	// HeaderName defaults to "Authorization". The value must carry the
	// "Bearer " prefix.
	HeaderName string

	// PrincipalClaim defaults to "sub".
	PrincipalClaim string

	// AppClaim, when set, names the claim copied into Identity.AppID.
	AppClaim string

	// Methods lists the accepted signing algorithms.
	// Default: HS256, HS384, HS512, RS256.
	Methods []string

	// Leeway is the allowed clock skew for exp, nbf and iat.
	Leeway time.Duration
}

// KeyProvider returns the verification key for a token's "kid" header.
// kid is empty when the token carries none.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (any, error)
}

// StaticKeyProvider serves a single HMAC secret regardless of kid.
type StaticKeyProvider struct {
	secret []byte
}

// NewStaticKeyProvider creates a provider for secret.
func NewStaticKeyProvider(secret []byte) *StaticKeyProvider {
	return &StaticKeyProvider{secret: secret}
}

// Key returns the secret.
func (p *StaticKeyProvider) Key(context.Context, string) (any, error) {
	if len(p.secret) == 0 {
		return nil, ErrKeyNotFound
	}
	return p.secret, nil
}

const bearerPrefix = "Bearer "

// JWTAuthenticator verifies bearer JWTs.
type JWTAuthenticator struct {
	cfg    JWTConfig
	keys   KeyProvider
	parser *jwt.Parser
}

// NewJWTAuthenticator creates an authenticator that verifies tokens with
// keys from keys.
func NewJWTAuthenticator(cfg JWTConfig, keys KeyProvider) *JWTAuthenticator {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Authorization"
	}
	if cfg.PrincipalClaim == "" {
		cfg.PrincipalClaim = "sub"
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{"HS256", "HS384", "HS512", "RS256"}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Methods),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTAuthenticator{cfg: cfg, keys: keys, parser: jwt.NewParser(opts...)}
}

// Name returns "jwt".
func (a *JWTAuthenticator) Name() string { return string(MethodJWT) }

// Supports reports whether the configured header carries a bearer token.
func (a *JWTAuthenticator) Supports(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get(a.cfg.HeaderName), bearerPrefix)
}

// Authenticate parses and verifies the bearer token.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	raw, ok := strings.CutPrefix(r.Header.Get(a.cfg.HeaderName), bearerPrefix)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return nil, ErrMissingCredentials
	}

	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return a.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}

	id := &Identity{
		Method: MethodJWT,
		Claims: make(map[string]any, len(claims)),
	}
	for k, v := range claims {
		id.Claims[k] = v
	}
	id.Principal, _ = claims[a.cfg.PrincipalClaim].(string)
	if a.cfg.AppClaim != "" {
		id.AppID, _ = claims[a.cfg.AppClaim].(string)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	case errors.Is(err, ErrKeyNotFound):
		return err
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// The key provider failed for a reason other than an unknown kid.
		return fmt.Errorf("jwt: %w", err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
}

var (
	_ Authenticator = (*JWTAuthenticator)(nil)
	_ KeyProvider   = (*StaticKeyProvider)(nil)
)
