package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jonwraymond/actionrun/auth"
	"github.com/jonwraymond/actionrun/cache"
	"github.com/jonwraymond/actionrun/catalog"
	"github.com/jonwraymond/actionrun/config"
	"github.com/jonwraymond/actionrun/connection"
	"github.com/jonwraymond/actionrun/dispatch"
	"github.com/jonwraymond/actionrun/event"
	"github.com/jonwraymond/actionrun/health"
	"github.com/jonwraymond/actionrun/observe"
	"github.com/jonwraymond/actionrun/observe/exporters"
	"github.com/jonwraymond/actionrun/resilience"
	"github.com/jonwraymond/actionrun/secret"
	"github.com/jonwraymond/actionrun/transport"
	"github.com/jonwraymond/actionrun/webhook"
)

// DefaultResultTTL is how long finished job results stay queryable.
const DefaultResultTTL = time.Hour

var (
	ErrNotFound = errors.New("engine: not found")
	ErrStarted  = errors.New("engine: already started")
)

// Options carries dependencies that do not come from configuration.
type Options struct {
	Version string

	// HTTPClient is used for remote API calls. Default: a client with
	// remote.timeout.
	HTTPClient *http.Client

	// Registry receives the Prometheus collector served at /metrics.
	// Default: a new registry.
	Registry *prometheus.Registry

	// Logger overrides the observer's logger.
	Logger observe.Logger

	// ResultTTL overrides DefaultResultTTL.
	ResultTTL time.Duration

	// GlobalTelemetry installs the tracer and meter providers as the otel
	// globals.
	GlobalTelemetry bool
}

// Engine is the runtime facade.
type Engine struct {
	cfg       *config.Config
	log       observe.Logger
	obs       observe.Observer
	metrics   observe.Metrics
	registry  *prometheus.Registry
	bus       *event.Bus
	secrets   *secret.Resolver
	client    *transport.Client
	catalog   *catalog.Catalog
	conns     *connection.Manager
	fault     *resilience.FaultHandler
	limiters  *resilience.LimiterSet
	dispatch  *dispatch.Dispatcher
	health    *health.Aggregator
	webhooks  *webhook.Receiver
	authn     auth.Authenticator
	results   *cache.MemoryCache
	resultTTL time.Duration

	mu       sync.Mutex
	started  bool
	trackers sync.WaitGroup

	// tracked holds jobs whose result is not yet in results.
	trackedMu sync.Mutex
	tracked   map[string]struct{}
}

// New builds an Engine from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		registry:  opts.Registry,
		tracked:   make(map[string]struct{}),
		bus:       event.NewBus(),
		results:   cache.NewMemoryCache(),
		resultTTL: opts.ResultTTL,
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	if e.resultTTL <= 0 {
		e.resultTTL = DefaultResultTTL
	}

	ocfg := cfg.Observability(opts.Version)
	ocfg.Export = exporters.Options{
		Endpoint:   cfg.Observe.OTLPEndpoint,
		Insecure:   cfg.Observe.OTLPInsecure,
		Registerer: e.registry,
	}
	ocfg.SetGlobal = opts.GlobalTelemetry
	obs, err := observe.NewObserver(ctx, ocfg)
	if err != nil {
		return nil, fmt.Errorf("engine: observer: %w", err)
	}
	e.obs = obs
	e.log = opts.Logger
	if e.log == nil {
		e.log = obs.Logger()
	}

	e.metrics, err = observe.NewMetrics(obs.Meter())
	if err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}
	middleware := observe.NewMiddleware(observe.NewTracer(obs.Tracer()), e.metrics, e.log)
	observer := event.Multi(e.bus, e.metrics)

	if e.secrets, err = newResolver(cfg.Secrets); err != nil {
		return nil, err
	}

	token, err := e.secrets.ResolveValue(ctx, cfg.Remote.Token)
	if err != nil {
		return nil, fmt.Errorf("engine: remote token: %w", err)
	}
	e.client, err = transport.New(transport.Config{
		BaseURL:    cfg.Remote.BaseURL,
		Token:      token,
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.Remote.Timeout,
		Logger:     e.log,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.catalog, err = catalog.New(e.client, catalog.Config{TTL: cfg.Remote.CatalogTTL, Logger: e.log})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.conns = connection.NewManager(e.client, connection.Config{
		PoolSize:            cfg.Pool.MaxSize,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		ReconnectDelay:      cfg.Pool.ReconnectDelay,
		AutoReconnect:       cfg.Pool.AutoReconnect,
		ProbeTimeout:        cfg.Pool.ProbeTimeout,
		Observer:            observer,
		Logger:              e.log,
	})

	e.fault = resilience.NewFaultHandler(resilience.FaultHandlerConfig{
		Retry:              cfg.RetryPolicy(),
		Circuit:            cfg.CircuitBreaker(),
		DeadLetter:         cfg.DeadLetter.Enabled,
		DeadLetterCapacity: cfg.DeadLetter.Capacity,
		Observer:           observer,
	})
	e.limiters = resilience.NewLimiterSet(cfg.RateLimiter())

	dcfg := dispatch.Config{
		MaxConcurrent:  cfg.Dispatch.MaxConcurrent,
		MaxQueueSize:   cfg.Dispatch.MaxQueueSize,
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		Fault:          e.fault,
		Limiters:       e.limiters,
		Middleware:     middleware,
		Observer:       observer,
		Logger:         e.log,
	}
	if cfg.Dispatch.ValidateParams {
		dcfg.Validator = e.catalog
	}
	e.dispatch = dispatch.New(dispatch.ExecutorFunc(e.execute), dcfg)

	if err := e.metrics.ObserveQueue(e.queueStats); err != nil {
		return nil, fmt.Errorf("engine: queue gauges: %w", err)
	}

	e.health = health.NewAggregator(health.AggregatorConfig{Timeout: 5 * time.Second, Parallel: true})
	e.health.Register("queue", health.NewSaturationChecker(health.SaturationCheckerConfig{Name: "queue"}, e.dispatch.QueueUsage))
	e.health.Register("remote", health.NewPingChecker("remote", e.client, 2*time.Second))
	e.health.RegisterOptional("circuits", health.NewCheckerFunc("circuits", e.checkCircuits))
	e.health.RegisterOptional("connections", e.conns.Checker())

	apiKeys, err := e.newAPIKeys(ctx)
	if err != nil {
		return nil, err
	}
	jwt, err := e.newJWT(ctx)
	if err != nil {
		return nil, err
	}
	e.authn = managementAuth(apiKeys, jwt)
	if cfg.Webhook.Enabled {
		if e.webhooks, err = e.newWebhooks(ctx, jwt); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func newResolver(cfg config.SecretsConfig) (*secret.Resolver, error) {
	reg := secret.NewRegistry()
	env, err := reg.Create("env", map[string]any{"prefix": cfg.EnvPrefix})
	if err != nil {
		return nil, fmt.Errorf("engine: secrets: %w", err)
	}
	values, err := reg.Create("map", map[string]any{"name": "config", "values": cfg.Values})
	if err != nil {
		return nil, fmt.Errorf("engine: secrets: %w", err)
	}
	return secret.NewResolver(cfg.Strict, env, values), nil
}

// managementAuth accepts an API key or a bearer token. Nil leaves the
// management API open.
func managementAuth(apiKeys *auth.APIKeyAuthenticator, jwt auth.Authenticator) auth.Authenticator {
	var chain auth.Chain
	if apiKeys != nil {
		chain = append(chain, apiKeys)
	}
	if jwt != nil {
		chain = append(chain, jwt)
	}
	switch len(chain) {
	case 0:
		return nil
	case 1:
		return chain[0]
	}
	return chain
}

func (e *Engine) newAPIKeys(ctx context.Context) (*auth.APIKeyAuthenticator, error) {
	if len(e.cfg.Server.APIKeys) == 0 {
		return nil, nil
	}
	keys := auth.NewAPIKeyAuthenticator("")
	for _, k := range e.cfg.Server.APIKeys {
		raw, err := e.secrets.ResolveValue(ctx, k.Key)
		if err != nil {
			return nil, fmt.Errorf("engine: api key %q: %w", k.ID, err)
		}
		principal := k.Principal
		if principal == "" {
			principal = k.ID
		}
		if err := keys.Add(raw, auth.APIKey{ID: k.ID, Principal: principal, AppID: k.AppID}); err != nil {
			return nil, fmt.Errorf("engine: api key %q: %w", k.ID, err)
		}
	}
	return keys, nil
}

// newJWT builds the bearer verifier shared by webhooks and the management
// API, or returns nil when none is configured.
func (e *Engine) newJWT(ctx context.Context) (auth.Authenticator, error) {
	jc := e.cfg.Webhook.JWT
	if !jc.Enabled() {
		return nil, nil
	}
	var keys auth.KeyProvider
	if jc.JWKSURL != "" {
		keys = auth.NewJWKSKeyProvider(auth.JWKSConfig{URL: jc.JWKSURL})
	} else {
		jwtSecret, err := e.secrets.ResolveValue(ctx, jc.Secret)
		if err != nil {
			return nil, fmt.Errorf("engine: jwt secret: %w", err)
		}
		keys = auth.NewStaticKeyProvider([]byte(jwtSecret))
	}
	return auth.NewJWTAuthenticator(auth.JWTConfig{
		Issuer:   jc.Issuer,
		Audience: jc.Audience,
		AppClaim: "app_id",
	}, keys), nil
}

func (e *Engine) newWebhooks(ctx context.Context, jwt auth.Authenticator) (*webhook.Receiver, error) {
	wc := e.cfg.Webhook
	hookSecret, err := e.secrets.ResolveValue(ctx, wc.Secret)
	if err != nil {
		return nil, fmt.Errorf("engine: webhook secret: %w", err)
	}
	return webhook.New(webhook.Config{
		MaxPayloadBytes: wc.MaxPayloadBytes,
		Secret:          hookSecret,
		SignatureHeader: wc.SignatureHeader,
		AllowedIPs:      wc.AllowedIPs,
		RatePerSecond:   wc.RatePerSecond,
		Burst:           wc.Burst,
		Authenticator:   jwt,
		Logger:          e.log,
	}, e, wc.Triggers...)
}

// execute runs one attempt against the remote API, under the app's
// session when one is connected.
func (e *Engine) execute(ctx context.Context, req dispatch.Request) (json.RawMessage, error) {
	opts := transport.ExecuteOptions{Timeout: req.Timeout}
	if req.AppID != "" {
		opts.ConnectionID, _ = e.conns.ConnectionID(req.AppID)
	}
	return e.client.Execute(ctx, req.OperationID, req.Params, opts)
}

func (e *Engine) queueStats() observe.QueueStats {
	st := e.dispatch.Status()
	return observe.QueueStats{
		Queued:      int64(st.Queued),
		Active:      int64(st.Active),
		Utilization: st.Utilization,
	}
}

func (e *Engine) checkCircuits(context.Context) health.Result {
	open := e.fault.Circuits().Open()
	if len(open) == 0 {
		return health.Healthy("all circuits closed")
	}
	return health.Degraded(fmt.Sprintf("%d circuit(s) open", len(open))).
		WithDetails(map[string]any{"open": open})
}

// Start launches the dispatcher and the connection monitor. Background work
// stops when ctx is done or on Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrStarted
	}
	if err := e.dispatch.Start(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	e.conns.Start(ctx)
	e.started = true
	e.mu.Unlock()

	e.openConfigured(ctx)
	e.log.Info(ctx, "engine started",
		observe.F("max_concurrent", e.cfg.Dispatch.MaxConcurrent),
		observe.F("max_queue_size", e.cfg.Dispatch.MaxQueueSize),
		observe.F("rate_limit_scope", string(e.limiters.Scope())),
		observe.F("webhooks", e.webhooks != nil),
	)
	return nil
}

// openConfigured connects the sessions listed in configuration. A failure
// is logged and does not stop the others.
func (e *Engine) openConfigured(ctx context.Context) {
	for _, cc := range e.cfg.Connections {
		creds, err := e.secrets.ResolveCredentials(ctx, cc.Credentials)
		if err == nil {
			_, err = e.conns.Connect(ctx, cc.AppID, creds)
		}
		if err != nil {
			e.log.Warn(ctx, "configured connection failed", observe.F("app_id", cc.AppID), observe.Err(err))
		}
	}
}

// Enqueue queues a job and records its result once it finishes.
//
// An explicit opts.ID is rejected with dispatch.ErrDuplicateJob while a job
// with that id is live or its result is retained, so a redelivered
// idempotency key does not run the action twice within the result TTL.
func (e *Engine) Enqueue(ctx context.Context, operationID string, params map[string]any, opts dispatch.Options) (*dispatch.Ticket, error) {
	if opts.ID != "" && e.known(ctx, opts.ID) {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrDuplicateJob, opts.ID)
	}
	t, err := e.dispatch.Enqueue(ctx, operationID, params, opts)
	if err != nil {
		return nil, err
	}
	e.track(t)
	return t, nil
}

// Submit queues a job and waits for its result.
func (e *Engine) Submit(ctx context.Context, operationID string, params map[string]any, opts dispatch.Options) (dispatch.Result, error) {
	t, err := e.Enqueue(ctx, operationID, params, opts)
	if err != nil {
		return dispatch.Result{}, err
	}
	res, err := t.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		e.dispatch.CancelJob(t.ID())
	}
	return res, err
}

// SubmitBatch submits items as one batch and waits for all of them.
func (e *Engine) SubmitBatch(ctx context.Context, items []dispatch.BatchItem, opts dispatch.Options) (dispatch.BatchResult, error) {
	res, err := e.dispatch.SubmitBatch(ctx, items, opts)
	for _, r := range res.Results {
		if r.JobID != "" {
			e.storeResult(r)
		}
	}
	return res, err
}

// Cancel removes queued jobs of operationID.
func (e *Engine) Cancel(operationID string) int {
	return e.dispatch.Cancel(operationID)
}

// CancelJob removes one queued job.
func (e *Engine) CancelJob(jobID string) bool {
	return e.dispatch.CancelJob(jobID)
}

func (e *Engine) track(t *dispatch.Ticket) {
	id := t.ID()
	e.trackedMu.Lock()
	e.tracked[id] = struct{}{}
	e.trackedMu.Unlock()

	e.trackers.Add(1)
	go func() {
		defer e.trackers.Done()
		<-t.Done()
		if res, ok := t.Result(); ok {
			e.storeResult(res)
		}
		e.trackedMu.Lock()
		delete(e.tracked, id)
		e.trackedMu.Unlock()
	}()
}

// known reports whether jobID is tracked or has a retained result.
func (e *Engine) known(ctx context.Context, jobID string) bool {
	e.trackedMu.Lock()
	_, ok := e.tracked[jobID]
	e.trackedMu.Unlock()
	if ok {
		return true
	}
	_, ok = e.results.Get(ctx, resultKey(jobID))
	return ok
}

func (e *Engine) storeResult(r dispatch.Result) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = e.results.Set(context.Background(), resultKey(r.JobID), b, e.resultTTL)
}

func resultKey(jobID string) string {
	return "result:" + jobID
}

// JobStatus is either a live job or a finished result.
type JobStatus struct {
	Job    *dispatch.JobInfo `json:"job,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
}

// Job looks up a queued, running or recently finished job.
func (e *Engine) Job(ctx context.Context, jobID string) (JobStatus, error) {
	if info, ok := e.dispatch.Job(jobID); ok {
		return JobStatus{Job: &info}, nil
	}
	if raw, ok := e.results.Get(ctx, resultKey(jobID)); ok {
		return JobStatus{Result: raw}, nil
	}
	return JobStatus{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
}

// Status is the runtime status report.
type Status struct {
	dispatch.Status
	Circuits    []resilience.CircuitState        `json:"circuits"`
	Connections []connection.Info                `json:"connections"`
	RateLimits  map[string]resilience.RateWindow `json:"rate_limits"`
	DeadLetters int                              `json:"dead_letters"`
	Events      EventStats                       `json:"events"`
}

type EventStats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// Status reports queue, circuit, connection and rate-limit state.
func (e *Engine) Status() Status {
	published, dropped := e.bus.Stats()
	st := Status{
		Status:      e.dispatch.Status(),
		Circuits:    e.fault.Circuits().Snapshot(),
		Connections: e.conns.List(),
		RateLimits:  e.limiters.Windows(),
		Events: EventStats{
			Published:   published,
			Dropped:     dropped,
			Subscribers: e.bus.Subscribers(),
		},
	}
	if dlq := e.fault.DeadLetters(); dlq != nil {
		st.DeadLetters = dlq.Len()
	}
	return st
}

// DeadLetters lists up to limit dead-lettered jobs, newest first.
func (e *Engine) DeadLetters(limit int) []resilience.DeadLetterEntry {
	dlq := e.fault.DeadLetters()
	if dlq == nil {
		return nil
	}
	return dlq.List(limit)
}

// Replay requeues a dead-lettered job as a new job and removes the entry.
func (e *Engine) Replay(ctx context.Context, id string) (*dispatch.Ticket, error) {
	dlq := e.fault.DeadLetters()
	if dlq == nil {
		return nil, fmt.Errorf("%w: dead letters disabled", ErrNotFound)
	}
	entry, ok := dlq.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: dead letter %s", ErrNotFound, id)
	}
	t, err := e.dispatch.Replay(ctx, entry)
	if err != nil {
		return nil, err
	}
	e.track(t)
	dlq.Remove(id)
	e.log.Info(ctx, "dead letter replayed",
		observe.F("dead_letter_id", id),
		observe.F("operation_id", entry.Job.OperationID),
		observe.F("job_id", t.ID()),
	)
	return t, nil
}

// ResetCircuit closes the circuit for key.
func (e *Engine) ResetCircuit(key string) bool {
	return e.fault.ResetCircuit(key)
}

// ResetCircuits closes every circuit and returns how many were not closed.
func (e *Engine) ResetCircuits() int {
	n := e.fault.ResetCircuits()
	if n > 0 {
		e.log.Info(context.Background(), "circuits reset", observe.F("count", n))
	}
	return n
}

// Connect opens a session for appID.
func (e *Engine) Connect(ctx context.Context, appID string, credentials map[string]any) (connection.Info, error) {
	return e.conns.Connect(ctx, appID, credentials)
}

// Disconnect closes the session for appID.
func (e *Engine) Disconnect(ctx context.Context, appID string) error {
	return e.conns.Disconnect(ctx, appID)
}

// Actions returns the remote action catalog.
func (e *Engine) Actions(ctx context.Context) ([]transport.Action, error) {
	return e.catalog.Actions(ctx)
}

// Subscribe streams runtime events. See event.Bus.Subscribe.
func (e *Engine) Subscribe(buffer int, types ...event.Type) (<-chan event.Event, func()) {
	return e.bus.Subscribe(buffer, types...)
}

// Health runs every health check.
func (e *Engine) Health(ctx context.Context) (health.Status, map[string]health.Result) {
	results := e.health.CheckAll(ctx)
	return e.health.OverallStatus(results), results
}

// Shutdown stops accepting jobs, waits for queued and running jobs until
// ctx is done, then closes connections and flushes telemetry.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if err := e.dispatch.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	e.trackers.Wait()

	if err := e.conns.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connections: %w", err))
	}
	e.bus.Close()
	if err := e.secrets.Close(); err != nil {
		errs = append(errs, fmt.Errorf("secrets: %w", err))
	}
	if err := e.obs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observer: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		e.log.Warn(context.Background(), "engine shutdown incomplete", observe.Err(err))
	} else {
		e.log.Info(context.Background(), "engine stopped")
	}
	return err
}
