package connection

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonwraymond/actionrun/observe"
)

var (
	ErrPoolFull     = errors.New("connection: pool full")
	ErrNotFound     = errors.New("connection: not found")
	ErrDisconnected = errors.New("connection: disconnected during connect")
	ErrEmptyAppID   = errors.New("connection: empty app id")
	ErrClosed       = errors.New("connection: manager closed")
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusUnhealthy    Status = "unhealthy"
	StatusDisconnected Status = "disconnected"
)

// Transport is the remote side of the session lifecycle.
// *transport.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context, appID string, credentials map[string]any) (string, error)
	Disconnect(ctx context.Context, appID, connectionID string) error
	Health(ctx context.Context, appID string) error
}

// Info is a sanitized snapshot of a connection.
type Info struct {
	AppID               string         `json:"app_id"`
	ConnectionID        string         `json:"connection_id,omitempty"`
	Status              Status         `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	LastUsed            time.Time      `json:"last_used"`
	LastHealthCheck     time.Time      `json:"last_health_check,omitzero"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	UseCount            int64          `json:"use_count"`
	Reconnecting        bool           `json:"reconnecting,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	Credentials         map[string]any `json:"credentials,omitempty"`
}

type conn struct {
	appID       string
	id          string
	credentials map[string]any // unresolved, as given to Connect
	status      Status

	createdAt       time.Time
	lastUsed        time.Time
	lastHealthCheck time.Time
	failures        int
	useCount        int64
	lastErr         error

	// cancelReconnect is non-nil while a reconnect loop runs.
	cancelReconnect context.CancelFunc
}

// info requires the manager lock.
func (c *conn) info() Info {
	i := Info{
		AppID:               c.appID,
		ConnectionID:        c.id,
		Status:              c.status,
		CreatedAt:           c.createdAt,
		LastUsed:            c.lastUsed,
		LastHealthCheck:     c.lastHealthCheck,
		ConsecutiveFailures: c.failures,
		UseCount:            c.useCount,
		Reconnecting:        c.cancelReconnect != nil,
		Credentials:         Sanitize(c.credentials),
	}
	if c.lastErr != nil {
		i.LastError = c.lastErr.Error()
	}
	return i
}

const redacted = "[REDACTED]"

var sensitiveFragments = []string{"secret", "token", "password", "credential", "private"}

func sensitive(key string) bool {
	if observe.IsRedactedField(key) {
		return true
	}
	lower := strings.ToLower(key)
	for _, f := range sensitiveFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of creds with sensitive values replaced by
// "[REDACTED]", descending into nested maps and slices.
func Sanitize(creds map[string]any) map[string]any {
	if creds == nil {
		return nil
	}
	out := make(map[string]any, len(creds))
	for k, v := range creds {
		if sensitive(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = sanitizeValue(item)
		}
		return s
	default:
		return v
	}
}

func copyCredentials(creds map[string]any) map[string]any {
	if creds == nil {
		return nil
	}
	out := make(map[string]any, len(creds))
	for k, v := range creds {
		switch val := v.(type) {
		case map[string]any:
			out[k] = copyCredentials(val)
		case []any:
			out[k] = append([]any(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}
