package config

import (
	"time"

	"github.com/jonwraymond/actionrun/observe"
	"github.com/jonwraymond/actionrun/resilience"
	"github.com/jonwraymond/actionrun/webhook"
)

// Config holds all runtime configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Circuit    CircuitConfig    `mapstructure:"circuit"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Pool       PoolConfig       `mapstructure:"connection_pool"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Observe    ObserveConfig    `mapstructure:"observe"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`

	// Connections are opened when the runtime starts.
	Connections []ConnectionConfig `mapstructure:"connections" validate:"dive"`
}

// ConnectionConfig is a session opened at startup. Credential values that
// are exactly a secretref are resolved; everything else is sent as written.
type ConnectionConfig struct {
	AppID       string         `mapstructure:"app_id" validate:"required"`
	Credentials map[string]any `mapstructure:"credentials"`
}

// ServerConfig configures the HTTP listener and management API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// APIKeys guard the management API. Empty leaves it open.
	APIKeys []APIKeyConfig `mapstructure:"api_keys" validate:"dive"`
}

// APIKeyConfig is one management API key. Key may be a secretref.
type APIKeyConfig struct {
	ID        string `mapstructure:"id" validate:"required"`
	Key       string `mapstructure:"key" validate:"required"`
	Principal string `mapstructure:"principal"`
	AppID     string `mapstructure:"app_id"`
}

type DispatchConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent" validate:"gte=1"`
	MaxQueueSize   int           `mapstructure:"max_queue_size" validate:"gte=1"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gte=0"`
	ValidateParams bool          `mapstructure:"validate_params"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	Multiplier   float64       `mapstructure:"multiplier" validate:"gte=1"`
	Jitter       bool          `mapstructure:"jitter"`
}

type CircuitConfig struct {
	Threshold int           `mapstructure:"threshold" validate:"gte=1"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type RateLimitConfig struct {
	Count  int           `mapstructure:"count" validate:"gte=1"`
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
	Scope  string        `mapstructure:"scope" validate:"oneof=global per_app"`
}

type PoolConfig struct {
	MaxSize             int           `mapstructure:"max_size" validate:"gte=1"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" validate:"gt=0"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay" validate:"gt=0"`
	AutoReconnect       bool          `mapstructure:"auto_reconnect"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
}

type DeadLetterConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Capacity int  `mapstructure:"capacity" validate:"gte=1"`
}

// RemoteConfig locates the remote action API. Token may be a secretref.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	CatalogTTL time.Duration `mapstructure:"catalog_ttl"`
}

type WebhookConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	MaxPayloadBytes int64             `mapstructure:"max_payload_bytes" validate:"gte=1"`
	Secret          string            `mapstructure:"secret"`
	SignatureHeader string            `mapstructure:"signature_header"`
	AllowedIPs      []string          `mapstructure:"allowed_ips" validate:"dive,cidr|ip"`
	RatePerSecond   float64           `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst           int               `mapstructure:"burst" validate:"gte=0"`
	JWT             JWTConfig         `mapstructure:"jwt"`
	Triggers        []webhook.Trigger `mapstructure:"triggers" validate:"dive"`
}

// JWTConfig enables bearer verification of webhooks when Secret or JWKSURL
// is set.
type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	JWKSURL  string `mapstructure:"jwks_url" validate:"omitempty,url"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// Enabled reports whether webhook JWT verification is configured.
func (c JWTConfig) Enabled() bool {
	return c.Secret != "" || c.JWKSURL != ""
}

type ObserveConfig struct {
	ServiceName     string  `mapstructure:"service_name" validate:"required"`
	TracingExporter string  `mapstructure:"tracing_exporter" validate:"oneof=otlp stdout none"`
	SamplePct       float64 `mapstructure:"sample_pct" validate:"gte=0,lte=1"`
	MetricsExporter string  `mapstructure:"metrics_exporter" validate:"oneof=otlp prometheus stdout none"`
	OTLPEndpoint    string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure    bool    `mapstructure:"otlp_insecure"`
}

// SecretsConfig configures secretref providers. "env" is always present;
// Values populates a "config" map provider.
type SecretsConfig struct {
	EnvPrefix string            `mapstructure:"env_prefix"`
	Strict    bool              `mapstructure:"strict"`
	Values    map[string]string `mapstructure:"values"`
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:   c.Retry.MaxRetries,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}
}

// CircuitBreaker converts the circuit section.
func (c *Config) CircuitBreaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Threshold: c.Circuit.Threshold,
		Timeout:   c.Circuit.Timeout,
	}
}

// RateLimiter converts the rate_limit section.
func (c *Config) RateLimiter() (resilience.LimiterScope, resilience.RateLimiterConfig) {
	return resilience.LimiterScope(c.RateLimit.Scope), resilience.RateLimiterConfig{
		Limit:  c.RateLimit.Count,
		Window: c.RateLimit.Window,
	}
}

// Observability converts the observe section. The logger follows
// server.log_level.
func (c *Config) Observability(version string) observe.Config {
	return observe.Config{
		ServiceName: c.Observe.ServiceName,
		Version:     version,
		Tracing: observe.TracingConfig{
			Enabled:   c.Observe.TracingExporter != "none",
			Exporter:  c.Observe.TracingExporter,
			SamplePct: c.Observe.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Observe.MetricsExporter != "none",
			Exporter: c.Observe.MetricsExporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   c.Server.LogLevel,
		},
	}
}
