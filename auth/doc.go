// Package auth authenticates inbound HTTP requests to the action runtime.
//
// Two credential kinds are supported: bearer JWTs (HMAC keys or an RSA JWKS
// endpoint) for webhook triggers, and static API keys for the runtime's
// management API. Authenticators can be chained, and Middleware attaches the
// resulting Identity to the request context.
package auth
