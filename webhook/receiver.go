package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/jonwraymond/actionrun/auth"
	"github.com/jonwraymond/actionrun/dispatch"
	"github.com/jonwraymond/actionrun/observe"
	"github.com/jonwraymond/actionrun/resilience"
)

const (
	DefaultMaxPayloadBytes = 1 << 20
	DefaultSignatureHeader = "X-Signature-256"
	IdempotencyHeader      = "Idempotency-Key"

	signaturePrefix = "sha256="
	limiterIdleTTL  = 10 * time.Minute
	limiterPruneAt  = 4096
)

// Trigger maps a webhook id to the operation it starts.
type Trigger struct {
	ID          string         `json:"id" mapstructure:"id" validate:"required"`
	OperationID string         `json:"operation_id" mapstructure:"operation_id" validate:"required"`
	AppID       string         `json:"app_id,omitempty" mapstructure:"app_id"`
	Priority    int            `json:"priority" mapstructure:"priority"`
	Params      map[string]any `json:"params,omitempty" mapstructure:"params"`

	// Secret overrides Config.Secret for this trigger.
	Secret string `json:"-" mapstructure:"secret"`
}

// Submitter queues a job. *dispatch.Dispatcher and *engine.Engine implement it.
//
// The Idempotency-Key header becomes the job id. The dispatcher rejects it
// only while that job is queued or running; the engine also rejects it for
// as long as the job's result is retained.
type Submitter interface {
	Enqueue(ctx context.Context, operationID string, params map[string]any, opts dispatch.Options) (*dispatch.Ticket, error)
}

// Config configures a Receiver.
type Config struct {
	// MaxPayloadBytes is the body size ceiling. Default: 1 MiB.
	MaxPayloadBytes int64

	// Secret enables HMAC-SHA256 signature checks when non-empty.
	Secret string

	// SignatureHeader carries "sha256=<hex>". Default: X-Signature-256.
	SignatureHeader string

	// AllowedIPs lists addresses or CIDR prefixes. Empty allows any source.
	AllowedIPs []string

	// RatePerSecond limits requests per source address. Zero disables it.
	RatePerSecond float64
	Burst         int

	// Authenticator, when set, must accept every request, typically an
	// *auth.JWTAuthenticator.
	Authenticator auth.Authenticator

	Logger observe.Logger
}

// Receiver validates webhook requests and queues them as jobs.
type Receiver struct {
	cfg    Config
	submit Submitter
	allow  []netip.Prefix
	log    observe.Logger
	now    func() time.Time

	mu       sync.RWMutex
	triggers map[string]Trigger

	limMu    sync.Mutex
	limiters map[netip.Addr]*sourceLimiter
}

type sourceLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New creates a Receiver. It fails when an AllowedIPs entry does not parse.
func New(cfg Config, submit Submitter, triggers ...Trigger) (*Receiver, error) {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.RatePerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RatePerSecond))
	}

	allow, err := parseAllowList(cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		cfg:      cfg,
		submit:   submit,
		allow:    allow,
		log:      observe.LoggerOrNop(cfg.Logger),
		now:      time.Now,
		triggers: make(map[string]Trigger),
		limiters: make(map[netip.Addr]*sourceLimiter),
	}
	for _, t := range triggers {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func parseAllowList(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("webhook: allowed ip %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("webhook: allowed ip %q: %w", e, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Register adds or replaces a trigger.
func (r *Receiver) Register(t Trigger) error {
	if t.ID == "" || t.OperationID == "" {
		return fmt.Errorf("%w: id and operation_id are required", ErrInvalidTrigger)
	}
	r.mu.Lock()
	r.triggers[t.ID] = t
	r.mu.Unlock()
	return nil
}

// Remove deletes a trigger and reports whether it existed.
func (r *Receiver) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.triggers[id]
	delete(r.triggers, id)
	return ok
}

// Triggers returns the registered triggers sorted by id.
func (r *Receiver) Triggers() []Trigger {
	r.mu.RLock()
	out := make([]Trigger, 0, len(r.triggers))
	for _, t := range r.triggers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Trigger) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Mount registers POST /webhooks/{triggerID} on router.
func (r *Receiver) Mount(router chi.Router) {
	router.Post("/webhooks/{triggerID}", r.ServeHTTP)
}

type accepted struct {
	JobID     string `json:"job_id"`
	TriggerID string `json:"trigger_id"`
}

// ServeHTTP handles one webhook delivery.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	triggerID := chi.URLParam(req, "triggerID")
	ctx := req.Context()

	ticket, err := r.receive(w, req, triggerID)
	if err != nil {
		status := statusFor(err)
		r.log.Warn(ctx, "webhook rejected",
			observe.F("trigger_id", triggerID),
			observe.F("remote_addr", req.RemoteAddr),
			observe.F("status", status),
			observe.Err(err),
		)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	r.log.Info(ctx, "webhook accepted",
		observe.F("trigger_id", triggerID),
		observe.F("job_id", ticket.ID()),
	)
	writeJSON(w, http.StatusAccepted, accepted{JobID: ticket.ID(), TriggerID: triggerID})
}

func (r *Receiver) receive(w http.ResponseWriter, req *http.Request, triggerID string) (*dispatch.Ticket, error) {
	r.mu.RLock()
	trigger, ok := r.triggers[triggerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, triggerID)
	}

	src, err := sourceAddr(req.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if !r.allowed(src) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, src)
	}
	if !r.admit(src) {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, src)
	}

	body, err := r.readBody(w, req)
	if err != nil {
		return nil, err
	}

	if r.cfg.Authenticator != nil {
		if _, err := r.cfg.Authenticator.Authenticate(req.Context(), req); err != nil {
			return nil, err
		}
	}

	secret := trigger.Secret
	if secret == "" {
		secret = r.cfg.Secret
	}
	if secret != "" {
		if err := verifySignature(secret, req.Header.Get(r.cfg.SignatureHeader), body); err != nil {
			return nil, err
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, ErrInvalidPayload
	}

	params := make(map[string]any, len(trigger.Params)+len(payload))
	for k, v := range trigger.Params {
		params[k] = v
	}
	for k, v := range payload {
		params[k] = v
	}

	return r.submit.Enqueue(req.Context(), trigger.OperationID, params, dispatch.Options{
		Priority: trigger.Priority,
		AppID:    trigger.AppID,
		ID:       req.Header.Get(IdempotencyHeader),
	})
}

func (r *Receiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, error) {
	if req.ContentLength > r.cfg.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, req.ContentLength)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, tooLarge.Limit)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return body, nil
}

func sourceAddr(remote string) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Unmap(), nil
}

func (r *Receiver) allowed(src netip.Addr) bool {
	if len(r.allow) == 0 {
		return true
	}
	for _, p := range r.allow {
		if p.Contains(src) {
			return true
		}
	}
	return false
}

func (r *Receiver) admit(src netip.Addr) bool {
	if r.cfg.RatePerSecond <= 0 {
		return true
	}
	now := r.now()

	r.limMu.Lock()
	defer r.limMu.Unlock()

	if len(r.limiters) >= limiterPruneAt {
		for a, l := range r.limiters {
			if now.Sub(l.lastSeen) > limiterIdleTTL {
				delete(r.limiters, a)
			}
		}
	}
	l, ok := r.limiters[src]
	if !ok {
		l = &sourceLimiter{lim: rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), r.cfg.Burst)}
		r.limiters[src] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret, header string, body []byte) error {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok || sig == "" {
		return fmt.Errorf("%w: missing signature", ErrBadSignature)
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownTrigger):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrBadSignature), auth.IsCredentialError(err):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
