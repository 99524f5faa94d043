package auth

import (
	"encoding/json"
	"net/http"

	"github.com/jonwraymond/actionrun/observe"
)

// Middleware authenticates every request with a and stores the Identity in
// the request context. Credential failures get 401 and internal errors 503.
// A nil a passes requests through unauthenticated.
func Middleware(a Authenticator, log observe.Logger) func(http.Handler) http.Handler {
	log = observe.LoggerOrNop(log)
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r.Context(), r)
			if err != nil {
				status := http.StatusServiceUnavailable
				if IsCredentialError(err) {
					status = http.StatusUnauthorized
					w.Header().Set("WWW-Authenticate", `Bearer realm="actionrun"`)
				}
				log.Warn(r.Context(), "request authentication failed",
					observe.F("authenticator", a.Name()),
					observe.F("path", r.URL.Path),
					observe.F("status", status),
					observe.Err(err),
				)
				writeError(w, status, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "authentication unavailable"
	if status == http.StatusUnauthorized {
		msg = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
