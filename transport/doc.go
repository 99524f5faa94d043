// Package transport is the HTTP client for the remote action-execution API.
//
// Every request carries the configured bearer credential and a fixed
// User-Agent. Non-2xx responses become *APIError values whose StatusCode
// feeds resilience.Classify, and network failures are returned wrapped so
// their net.Error nature survives classification.
package transport
