package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

type fakeAuth struct {
	name     string
	supports bool
	id       *Identity
	err      error
	calls    int
}

func (f *fakeAuth) Name() string { return f.name }

func (f *fakeAuth) Supports(*http.Request) bool { return f.supports }

func (f *fakeAuth) Authenticate(context.Context, *http.Request) (*Identity, error) {
	f.calls++
	return f.id, f.err
}

func TestChain_Authenticate(t *testing.T) {
	internal := errors.New("store down")

	tests := []struct {
		name      string
		chain     Chain
		principal string
		wantErr   error
	}{
		{
			name:    "empty",
			chain:   Chain{},
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "nothing supported",
			chain:   Chain{&fakeAuth{name: "a"}},
			wantErr: ErrMissingCredentials,
		},
		{
			name: "falls through credential failure",
			chain: Chain{
				&fakeAuth{name: "a", supports: true, err: ErrInvalidCredentials},
				&fakeAuth{name: "b", supports: true, id: &Identity{Principal: "bob"}},
			},
			principal: "bob",
		},
		{
			name: "stops on internal error",
			chain: Chain{
				&fakeAuth{name: "a", supports: true, err: internal},
				&fakeAuth{name: "b", supports: true, id: &Identity{Principal: "bob"}},
			},
			wantErr: internal,
		},
		{
			name: "reports last credential failure",
			chain: Chain{
				&fakeAuth{name: "a", supports: true, err: ErrInvalidCredentials},
				&fakeAuth{name: "b", supports: true, err: ErrTokenExpired},
			},
			wantErr: ErrTokenExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.chain.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if id.Principal != tt.principal {
				t.Errorf("Principal = %q, want %q", id.Principal, tt.principal)
			}
		})
	}
}

func TestChain_MixedCredentials(t *testing.T) {
	keys := NewAPIKeyAuthenticator("")
	_ = keys.Add("k", APIKey{ID: "ops"})
	chain := Chain{NewJWTAuthenticator(JWTConfig{}, NewStaticKeyProvider(testSecret)), keys}

	r := keyRequest(DefaultAPIKeyHeader, "k")
	if !chain.Supports(r) {
		t.Fatal("Supports() = false")
	}
	id, err := chain.Authenticate(context.Background(), r)
	if err != nil || id.Method != MethodAPIKey {
		t.Errorf("Authenticate() = %+v, %v", id, err)
	}

	id, err = chain.Authenticate(context.Background(), bearerRequest(signHS256(t, jwt.MapClaims{"sub": "svc"})))
	if err != nil || id.Method != MethodJWT {
		t.Errorf("Authenticate() = %+v, %v", id, err)
	}
}
