package secret

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Provider resolves secrets by reference string.
//
// Implementations must be safe for concurrent use and must not log secret values.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
	Close() error
}

// EnvProvider resolves references from the process environment. The
// reference is appended to Prefix to form the variable name.
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider creates an environment provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix}
}

// Name returns "env".
func (p *EnvProvider) Name() string { return "env" }

// Resolve looks up Prefix+ref.
func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(p.Prefix + ref)
	if !ok {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, p.Prefix+ref)
	}
	return v, nil
}

// Close is a no-op.
func (p *EnvProvider) Close() error { return nil }

// MapProvider serves secrets from an in-memory map, typically loaded from a
// configuration file outside version control.
type MapProvider struct {
	name string

	mu     sync.RWMutex
	values map[string]string
}

// NewMapProvider creates a provider registered under name holding a copy
// of values.
func NewMapProvider(name string, values map[string]string) *MapProvider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &MapProvider{name: name, values: copied}
}

// Name returns the provider name.
func (p *MapProvider) Name() string { return p.name }

// Resolve returns the stored value for ref.
func (p *MapProvider) Resolve(_ context.Context, ref string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v, ok := p.values[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s:%s", ErrNotFound, p.name, ref)
	}
	return v, nil
}

// Set stores or replaces a value.
func (p *MapProvider) Set(ref, value string) {
	p.mu.Lock()
	p.values[ref] = value
	p.mu.Unlock()
}

// Close drops every stored value.
func (p *MapProvider) Close() error {
	p.mu.Lock()
	clear(p.values)
	p.mu.Unlock()
	return nil
}

var (
	_ Provider = (*EnvProvider)(nil)
	_ Provider = (*MapProvider)(nil)
)
