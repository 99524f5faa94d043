package secret

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Resolver resolves secret references using registered providers.
//
// Values with the prefix "secretref:" are resolved via providers. Other
// values are returned after strict environment expansion.
type Resolver struct {
	strict bool

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver creates a resolver. In strict mode an empty provider value
// is an error.
func NewResolver(strict bool, providers ...Provider) *Resolver {
	r := &Resolver{
		providers: make(map[string]Provider),
		strict:    strict,
	}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its name.
func (r *Resolver) Register(provider Provider) {
	if provider == nil {
		return
	}
	r.mu.Lock()
	r.providers[provider.Name()] = provider
	r.mu.Unlock()
}

// Close closes every provider and returns the joined errors.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// ResolveValue resolves environment variables and secret refs in value.
// A nil Resolver only expands the environment.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	expanded, err := ExpandEnvStrict(value)
	if err != nil || r == nil {
		return expanded, err
	}

	if providerName, ref, ok := ParseSecretRef(expanded); ok {
		return r.resolveSingle(ctx, providerName, ref)
	}
	return r.resolveInline(ctx, expanded)
}

// ResolveMap resolves each string value in input.
func (r *Resolver) ResolveMap(ctx context.Context, input map[string]string) (map[string]string, error) {
	if input == nil {
		return nil, nil
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		resolved, err := r.ResolveValue(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// ResolveCredentials returns a copy of creds in which every string that is
// exactly a secret reference is replaced by its value, descending into
// nested maps and slices. Other strings are copied verbatim: credentials
// are not environment-expanded and inline references are not substituted.
func (r *Resolver) ResolveCredentials(ctx context.Context, creds map[string]any) (map[string]any, error) {
	if creds == nil {
		return nil, nil
	}
	out, err := r.resolveAny(ctx, "", creds)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (r *Resolver) resolveAny(ctx context.Context, path string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		providerName, ref, ok := ParseSecretRef(val)
		if !ok {
			return val, nil
		}
		if r == nil {
			return nil, fmt.Errorf("resolve %q: %w: %q", path, ErrUnknownProvider, providerName)
		}
		s, err := r.resolveSingle(ctx, providerName, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", path, err)
		}
		return s, nil
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			child := k
			if path != "" {
				child = path + "." + k
			}
			resolved, err := r.resolveAny(ctx, child, item)
			if err != nil {
				return nil, err
			}
			m[k] = resolved
		}
		return m, nil
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveAny(ctx, fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			s[i] = resolved
		}
		return s, nil
	default:
		return v, nil
	}
}

// ParseSecretRef parses a full secret reference of the form:
//
//	secretref:<provider>:<ref>
func ParseSecretRef(value string) (provider string, ref string, ok bool) {
	rest, found := strings.CutPrefix(value, "secretref:")
	if !found {
		return "", "", false
	}
	provider, ref, found = strings.Cut(rest, ":")
	if !found || provider == "" || ref == "" {
		return "", "", false
	}
	return provider, ref, true
}

func (r *Resolver) resolveSingle(ctx context.Context, providerName string, ref string) (string, error) {
	r.mu.RLock()
	provider, ok := r.providers[providerName]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}

	resolved, err := provider.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if r.strict && resolved == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyValue, providerName)
	}
	return resolved, nil
}

var inlineSecretRefPattern = regexp.MustCompile(`secretref:([^:\s]+):([^\s]+)`)

func (r *Resolver) resolveInline(ctx context.Context, value string) (string, error) {
	matches := inlineSecretRefPattern.FindAllStringSubmatchIndex(value, -1)
	if len(matches) == 0 {
		return value, nil
	}

	out := value
	// Replace from the end so earlier indexes stay valid.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		resolved, err := r.resolveSingle(ctx, out[m[2]:m[3]], out[m[4]:m[5]])
		if err != nil {
			return "", err
		}
		out = out[:m[0]] + resolved + out[m[1]:]
	}
	return out, nil
}
