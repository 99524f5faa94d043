package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonwraymond/actionrun/observe"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "actionrun/1.0"

// DefaultMaxResponseBytes is used when Config.MaxResponseBytes is zero.
const DefaultMaxResponseBytes = 8 << 20

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://actions.example.com/api/v1.
	BaseURL string

	// Token is the bearer credential. Never logged.
	Token string

	// UserAgent defaults to DefaultUserAgent.
	UserAgent string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds each request when HTTPClient is nil. Default: 30s.
	Timeout time.Duration

	// MaxResponseBytes bounds a response body. A larger successful response
	// fails with ErrResponseTooLarge. Default: DefaultMaxResponseBytes.
	MaxResponseBytes int64

	Logger observe.Logger
}

// Client calls the remote action API. Safe for concurrent use.
type Client struct {
	base      *url.URL
	token     string
	userAgent string
	http      *http.Client
	maxBody   int64
	log       observe.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: bad base url %q", ErrInvalidConfig, cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return &Client{
		base:      base,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		http:      cfg.HTTPClient,
		maxBody:   cfg.MaxResponseBytes,
		log:       observe.LoggerOrNop(cfg.Logger),
	}, nil
}

// Action is one entry of GET /actions.
type Action struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ExecuteOptions are the per-call options of POST /actions/{id}/execute.
type ExecuteOptions struct {
	// Timeout is forwarded to the remote in milliseconds. Zero omits it.
	Timeout time.Duration

	Async bool

	// ConnectionID selects the app session to execute under.
	ConnectionID string
}

type executeOptionsWire struct {
	Timeout      int64  `json:"timeout,omitempty"`
	Async        bool   `json:"async,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

type executeRequest struct {
	Params  map[string]any     `json:"params"`
	Options executeOptionsWire `json:"options"`
}

type executeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ListActions returns the remote action catalog.
func (c *Client) ListActions(ctx context.Context) ([]Action, error) {
	var out struct {
		Actions []Action `json:"actions"`
	}
	raw, err := c.do(ctx, http.MethodGet, "/actions", nil)
	if err != nil {
		return nil, err
	}
	// Accept both a bare array and {"actions": [...]}.
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &out.Actions); err != nil {
			return nil, fmt.Errorf("transport: decode actions: %w", err)
		}
		return out.Actions, nil
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("transport: decode actions: %w", err)
	}
	return out.Actions, nil
}

// Execute runs actionID with params and returns the raw result.
func (c *Client) Execute(ctx context.Context, actionID string, params map[string]any, opts ExecuteOptions) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	body := executeRequest{
		Params: params,
		Options: executeOptionsWire{
			Timeout:      opts.Timeout.Milliseconds(),
			Async:        opts.Async,
			ConnectionID: opts.ConnectionID,
		},
	}
	raw, err := c.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(actionID)+"/execute", body)
	if err != nil {
		return nil, err
	}

	var resp executeResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("transport: decode execute response: %w", err)
		}
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp.Result, nil
}

// Connect opens a session for appID and returns its connection id.
func (c *Client) Connect(ctx context.Context, appID string, credentials map[string]any) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/apps/"+url.PathEscape(appID)+"/connect", map[string]any{
		"credentials": credentials,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("transport: decode connect response: %w", err)
	}
	if resp.ConnectionID == "" {
		return "", fmt.Errorf("transport: connect %s: empty connection id", appID)
	}
	return resp.ConnectionID, nil
}

// Disconnect closes the session connectionID of appID.
func (c *Client) Disconnect(ctx context.Context, appID, connectionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/apps/"+url.PathEscape(appID)+"/disconnect", map[string]any{
		"connectionId": connectionID,
	})
	return err
}

// Health probes appID. A 2xx response is healthy unless its body says
// {"healthy": false}.
func (c *Client) Health(ctx context.Context, appID string) error {
	raw, err := c.do(ctx, http.MethodGet, "/apps/"+url.PathEscape(appID)+"/health", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Healthy *bool  `json:"healthy"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &resp) == nil && resp.Healthy != nil && !*resp.Healthy {
		if resp.Message != "" {
			return fmt.Errorf("%w: %s: %s", ErrUnhealthy, appID, resp.Message)
		}
		return fmt.Errorf("%w: %s", ErrUnhealthy, appID)
	}
	return nil
}

// Ping checks that the remote API answers. It satisfies health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/actions", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug(ctx, "remote call failed",
			observe.F("method", method),
			observe.F("path", path),
			observe.F("duration_ms", time.Since(start).Milliseconds()),
			observe.Err(err),
		)
		return nil, fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	tooLarge := int64(len(raw)) > c.maxBody
	if tooLarge {
		raw = raw[:c.maxBody]
	}
	c.log.Debug(ctx, "remote call",
		observe.F("method", method),
		observe.F("path", path),
		observe.F("status", resp.StatusCode),
		observe.F("duration_ms", time.Since(start).Milliseconds()),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if err != nil {
		return nil, fmt.Errorf("transport: read %s %s: %w", method, path, err)
	}
	if tooLarge {
		return nil, fmt.Errorf("%w: %s %s exceeds %d bytes", ErrResponseTooLarge, method, path, c.maxBody)
	}
	return raw, nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
