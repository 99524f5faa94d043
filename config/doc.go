// Package config loads the actionrun runtime configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// ACTIONRUN_* environment variables (ACTIONRUN_DISPATCH_MAX_CONCURRENT sets
// dispatch.max_concurrent). The result is validated with struct tags.
package config
