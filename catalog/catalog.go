package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jonwraymond/actionrun/cache"
	"github.com/jonwraymond/actionrun/observe"
	"github.com/jonwraymond/actionrun/resilience"
	"github.com/jonwraymond/actionrun/transport"
)

const (
	cacheNamespace = "catalog"
	cacheInput     = "actions"
)

// Lister fetches the remote action list. *transport.Client satisfies it.
type Lister interface {
	ListActions(ctx context.Context) ([]transport.Action, error)
}

// Config configures a Catalog.
type Config struct {
	// Cache holds the fetched list. Default: a new MemoryCache.
	Cache cache.Cache

	// TTL is how long a fetched list is served. Zero selects 5m; negative
	// disables caching.
	TTL time.Duration

	Logger observe.Logger
}

// Catalog serves action definitions and validates parameters.
type Catalog struct {
	lister   Lister
	loader   *cache.Loader
	validate *validator.Validate
	log      observe.Logger
}

// New creates a Catalog backed by l.
func New(l Lister, cfg Config) (*Catalog, error) {
	if l == nil {
		return nil, fmt.Errorf("catalog: nil lister")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemoryCache()
	}

	policy := cache.DefaultPolicy()
	switch {
	case cfg.TTL < 0:
		policy = cache.NoCachePolicy()
	case cfg.TTL > 0:
		policy = cache.Policy{DefaultTTL: cfg.TTL, MaxTTL: cfg.TTL}
	}

	loader, err := cache.NewLoader(cfg.Cache, nil, policy)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return &Catalog{
		lister:   l,
		loader:   loader,
		validate: validator.New(),
		log:      observe.LoggerOrNop(cfg.Logger),
	}, nil
}

// Actions returns the action list, fetching it on a cache miss.
func (c *Catalog) Actions(ctx context.Context) ([]transport.Action, error) {
	raw, _, err := c.loader.Load(ctx, cacheNamespace, cacheInput, func(ctx context.Context) ([]byte, error) {
		actions, err := c.lister.ListActions(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(actions)
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: list actions: %w", err)
	}

	var actions []transport.Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("catalog: decode cached actions: %w", err)
	}
	return actions, nil
}

// Action returns the definition of id.
func (c *Catalog) Action(ctx context.Context, id string) (transport.Action, bool, error) {
	actions, err := c.Actions(ctx)
	if err != nil {
		return transport.Action{}, false, err
	}
	for _, a := range actions {
		if a.ID == id {
			return a, true, nil
		}
	}
	return transport.Action{}, false, nil
}

// Refresh drops the cached list and fetches it again.
func (c *Catalog) Refresh(ctx context.Context) error {
	if err := c.loader.Invalidate(ctx, cacheNamespace, cacheInput); err != nil {
		return fmt.Errorf("catalog: invalidate: %w", err)
	}
	_, err := c.Actions(ctx)
	return err
}

// Validate checks params against the input schema of actionID.
//
// An unknown action or a schema violation returns an error wrapping
// resilience.ErrValidation. When the catalog cannot be fetched the check
// is skipped and nil is returned.
func (c *Catalog) Validate(ctx context.Context, actionID string, params map[string]any) error {
	action, ok, err := c.Action(ctx, actionID)
	if err != nil {
		c.log.Warn(ctx, "action catalog unavailable, skipping validation",
			observe.F("action_id", actionID),
			observe.Err(err),
		)
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %w: %q", resilience.ErrValidation, ErrUnknownAction, actionID)
	}

	schema, err := ParseSchema(action.InputSchema)
	if err != nil {
		c.log.Warn(ctx, "unparseable input schema, skipping validation",
			observe.F("action_id", actionID),
			observe.Err(err),
		)
		return nil
	}
	if schema == nil {
		return nil
	}

	doc, err := normalize(params)
	if err != nil {
		return &ValidationError{ActionID: actionID, Fields: []FieldError{{Rule: "type", Message: err.Error()}}}
	}
	chk := &checker{v: c.validate}
	chk.check("", schema, doc)
	if len(chk.errs) > 0 {
		return &ValidationError{ActionID: actionID, Fields: chk.errs}
	}
	return nil
}

// normalize round-trips params through JSON so Go-typed values (structs,
// typed slices, ints) are checked the way the remote will see them.
func normalize(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("params are not JSON encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
