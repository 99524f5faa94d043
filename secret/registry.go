package secret

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ProviderFactory creates a Provider from configuration.
type ProviderFactory func(cfg map[string]any) (Provider, error)

// Registry maps provider kinds to factories. Each runtime builds its own;
// there is no process-wide registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry creates a registry with the built-in "env" and "map" kinds.
//
// "env" accepts an optional "prefix" string. "map" accepts "name" and a
// "values" map of string to string.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]ProviderFactory)}
	_ = r.Register("env", func(cfg map[string]any) (Provider, error) {
		prefix, _ := cfg["prefix"].(string)
		return NewEnvProvider(prefix), nil
	})
	_ = r.Register("map", func(cfg map[string]any) (Provider, error) {
		name, _ := cfg["name"].(string)
		if name == "" {
			name = "map"
		}
		values := make(map[string]string)
		switch raw := cfg["values"].(type) {
		case map[string]string:
			for k, v := range raw {
				values[k] = v
			}
		case map[string]any:
			for k, v := range raw {
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("secret: map value %q is %T, want string", k, v)
				}
				values[k] = s
			}
		}
		return NewMapProvider(name, values), nil
	})
	return r
}

// Register adds a provider factory under kind.
func (r *Registry) Register(kind string, factory ProviderFactory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || factory == nil {
		return ErrInvalidRegistration
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("secret: provider kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Create instantiates a provider of the given kind.
func (r *Registry) Create(kind string, cfg map[string]any) (Provider, error) {
	kind = strings.TrimSpace(kind)

	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownProvider, kind)
	}
	return factory(cfg)
}

// List returns the registered kinds, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
