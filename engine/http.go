package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/actionrun/auth"
	"github.com/jonwraymond/actionrun/catalog"
	"github.com/jonwraymond/actionrun/connection"
	"github.com/jonwraymond/actionrun/dispatch"
	"github.com/jonwraymond/actionrun/health"
	"github.com/jonwraymond/actionrun/observe"
	"github.com/jonwraymond/actionrun/resilience"
)

const maxRequestBytes = 4 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// JobRequest is the body of POST /jobs.
type JobRequest struct {
	OperationID string         `json:"operation_id" validate:"required"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	AppID       string         `json:"app_id,omitempty"`
	TimeoutMS   int64          `json:"timeout_ms,omitempty" validate:"gte=0"`

	// Wait holds the request open until the job finishes.
	Wait bool `json:"wait,omitempty"`
}

// BatchRequest is the body of POST /jobs/batch.
type BatchRequest struct {
	Items    []dispatch.BatchItem `json:"items" validate:"required,min=1,dive"`
	Priority int                  `json:"priority,omitempty"`
	AppID    string               `json:"app_id,omitempty"`
}

// ConnectRequest is the body of POST /connections.
type ConnectRequest struct {
	AppID       string         `json:"app_id" validate:"required"`
	Credentials map[string]any `json:"credentials,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Handler returns the HTTP surface: health and metrics, webhooks, the
// management API and the event stream. Management routes require an API key
// or a bearer token when either is configured.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	health.Mount(r, e.health)
	r.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	if e.webhooks != nil {
		e.webhooks.Mount(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(e.authn, e.log))

		r.Post("/jobs", e.handleSubmit)
		r.Post("/jobs/batch", e.handleBatch)
		r.Get("/jobs/{id}", e.handleJob)
		r.Delete("/jobs/{id}", e.handleCancelJob)
		r.Delete("/operations/{operationID}/jobs", e.handleCancelOperation)

		r.Get("/status", e.handleStatus)
		r.Get("/deadletters", e.handleDeadLetters)
		r.Post("/deadletters/{id}/replay", e.handleReplay)
		r.Post("/circuits/reset", e.handleResetCircuits)
		r.Post("/circuits/{key}/reset", e.handleResetCircuit)

		r.Get("/connections", e.handleConnections)
		r.Post("/connections", e.handleConnect)
		r.Delete("/connections/{appID}", e.handleDisconnect)

		r.Get("/actions", e.handleActions)
		r.Get("/events", e.handleEvents)
	})
	return r
}

func (e *Engine) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !decode(w, r, &req) {
		return
	}
	opts := dispatch.Options{
		Priority: req.Priority,
		AppID:    appID(r, req.AppID),
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
		ID:       r.Header.Get("Idempotency-Key"),
	}

	if req.Wait {
		res, err := e.Submit(r.Context(), req.OperationID, req.Params, opts)
		if err != nil && res.JobID == "" {
			e.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	t, err := e.Enqueue(r.Context(), req.OperationID, req.Params, opts)
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": t.ID()})
}

func (e *Engine) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := e.SubmitBatch(r.Context(), req.Items, dispatch.Options{
		Priority: req.Priority,
		AppID:    appID(r, req.AppID),
	})
	if err != nil && len(res.Results) == 0 {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (e *Engine) handleJob(w http.ResponseWriter, r *http.Request) {
	st, err := e.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (e *Engine) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if !e.CancelJob(chi.URLParam(r, "id")) {
		e.writeErr(w, r, ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	n := e.Cancel(chi.URLParam(r, "operationID"))
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (e *Engine) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, e.Status())
}

func (e *Engine) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries := e.DeadLetters(limit)
	if entries == nil {
		entries = []resilience.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (e *Engine) handleReplay(w http.ResponseWriter, r *http.Request) {
	t, err := e.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": t.ID()})
}

func (e *Engine) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	if !e.ResetCircuit(chi.URLParam(r, "key")) {
		e.writeErr(w, r, ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleResetCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"reset": e.ResetCircuits()})
}

func (e *Engine) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, e.conns.List())
}

func (e *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decode(w, r, &req) {
		return
	}
	info, err := e.Connect(r.Context(), req.AppID, req.Credentials)
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (e *Engine) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := e.Disconnect(r.Context(), chi.URLParam(r, "appID")); err != nil {
		e.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleActions(w http.ResponseWriter, r *http.Request) {
	actions, err := e.Actions(r.Context())
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// appID prefers the request's app, then the caller's.
func appID(r *http.Request, requested string) string {
	if requested != "" {
		return requested
	}
	if id := auth.IdentityFromContext(r.Context()); id != nil {
		return id.AppID
	}
	return ""
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (e *Engine) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		e.log.Warn(r.Context(), "request failed",
			observe.F("path", r.URL.Path),
			observe.F("status", status),
			observe.F("request_id", middleware.GetReqID(r.Context())),
			observe.Err(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(resilience.Classify(err))})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, connection.ErrNotFound), errors.Is(err, catalog.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrEmptyOperation), errors.Is(err, connection.ErrEmptyAppID):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, connection.ErrPoolFull):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed), errors.Is(err, connection.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrCancelled):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
