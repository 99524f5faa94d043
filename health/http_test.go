package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(agg *Aggregator) http.Handler {
	r := chi.NewRouter()
	Mount(r, agg)
	return r
}

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLivenessHandler(t *testing.T) {
	rec := serve(newTestRouter(NewAggregator()), "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("Body = %v, want OK", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type = %v, want text/plain", rec.Header().Get("Content-Type"))
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		result   Result
		wantCode int
		wantBody string
	}{
		{"healthy", Healthy("ok"), http.StatusOK, "OK"},
		{"degraded", Degraded("slow"), http.StatusOK, "DEGRADED"},
		{"unhealthy", Unhealthy("down", nil), http.StatusServiceUnavailable, "UNHEALTHY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			agg.Register("queue", staticChecker("queue", tt.result))

			rec := serve(newTestRouter(agg), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("Status = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("Body = %v, want %v", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestDetailedHandler(t *testing.T) {
	agg := NewAggregator()
	agg.Register("queue", staticChecker("queue", Healthy("ok").WithDetails(map[string]any{"used": 1})))
	agg.Register("remote", staticChecker("remote", Unhealthy("down", ErrCheckFailed)))

	rec := serve(newTestRouter(agg), "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %v", rec.Header().Get("Content-Type"))
	}

	var response HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response.Status != "unhealthy" {
		t.Errorf("Response.Status = %v, want unhealthy", response.Status)
	}
	if response.Timestamp == "" {
		t.Error("Response.Timestamp should not be empty")
	}
	if response.Checks["queue"].Status != "healthy" {
		t.Errorf("queue = %+v", response.Checks["queue"])
	}
	if response.Checks["remote"].Error == "" {
		t.Error("remote check should carry its error")
	}
}

func TestSingleCheckHandler(t *testing.T) {
	agg := NewAggregator()
	agg.RegisterOptional("slack", NewCheckerFunc("slack", func(context.Context) Result {
		return Unhealthy("unreachable", ErrCheckFailed)
	}))
	h := newTestRouter(agg)

	rec := serve(h, "/health/slack")
	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d for optional check", rec.Code, http.StatusOK)
	}
	var check CheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if check.Status != "degraded" {
		t.Errorf("Status = %v, want degraded", check.Status)
	}

	if rec := serve(h, "/health/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
