// Package connection keeps one authenticated session per external app.
//
// Manager pools sessions up to a configured ceiling, reuses healthy ones,
// probes them on an interval and, when auto-reconnect is on, retries failed
// sessions every ReconnectDelay until they recover or are disconnected.
// Credentials are forwarded to the remote exactly as given and never appear
// unredacted in Info snapshots.
package connection
