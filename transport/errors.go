package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("transport: invalid config")

	// ErrRemote marks a 2xx execute response whose body reports an error.
	ErrRemote = errors.New("transport: remote reported failure")

	// ErrResponseTooLarge is returned when a response body exceeds
	// Config.MaxResponseBytes.
	ErrResponseTooLarge = errors.New("transport: response too large")

	// ErrUnhealthy is returned by Health when the remote reports the app
	// connection as unhealthy.
	ErrUnhealthy = errors.New("transport: app unhealthy")
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("transport: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// StatusCode returns the HTTP status, for resilience.Classify.
func (e *APIError) StatusCode() int { return e.Status }
