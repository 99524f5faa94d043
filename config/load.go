package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACTIONRUN"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

var defaults = map[string]any{
	"server.addr":             ":8080",
	"server.log_level":        "info",
	"server.shutdown_timeout": "30s",

	"dispatch.max_concurrent":  5,
	"dispatch.max_queue_size":  1000,
	"dispatch.default_timeout": "30s",
	"dispatch.validate_params": true,

	"retry.max_retries":   3,
	"retry.initial_delay": "1s",
	"retry.max_delay":     "30s",
	"retry.multiplier":    2.0,
	"retry.jitter":        false,

	"circuit.threshold": 5,
	"circuit.timeout":   "60s",

	"rate_limit.count":  100,
	"rate_limit.window": "1m",
	"rate_limit.scope":  "global",

	"connection_pool.max_size":              10,
	"connection_pool.health_check_interval": "30s",
	"connection_pool.reconnect_delay":       "5s",
	"connection_pool.auto_reconnect":        true,
	"connection_pool.probe_timeout":         "10s",

	"dead_letter.enabled":  true,
	"dead_letter.capacity": 1000,

	"remote.base_url":    "",
	"remote.token":       "",
	"remote.timeout":     "30s",
	"remote.catalog_ttl": "5m",

	"webhook.enabled":           false,
	"webhook.max_payload_bytes": 1 << 20,
	"webhook.secret":            "",
	"webhook.signature_header":  "X-Signature-256",
	"webhook.allowed_ips":       []string{},
	"webhook.rate_per_second":   0,
	"webhook.burst":             0,
	"webhook.jwt.secret":        "",
	"webhook.jwt.jwks_url":      "",
	"webhook.jwt.issuer":        "",
	"webhook.jwt.audience":      "",

	"observe.service_name":     "actionrun",
	"observe.tracing_exporter": "none",
	"observe.sample_pct":       1.0,
	"observe.metrics_exporter": "prometheus",
	"observe.otlp_endpoint":    "",
	"observe.otlp_insecure":    false,

	"secrets.env_prefix": "",
	"secrets.strict":     true,
}

// Load reads configuration. With an empty path it looks for actionrun.yaml
// in the working directory and /etc/actionrun, and carries on without a
// file when none exists. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("actionrun")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/actionrun")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
