// Package webhook turns inbound HTTP payloads into dispatcher jobs.
//
// A request to POST /webhooks/{triggerID} is checked in a fixed order:
// the trigger must be registered, the source address must be allowed, the
// source must be within its rate, the body must fit the size ceiling, a
// bearer JWT must verify when an authenticator is configured, the
// X-Signature-256 HMAC must match when a secret is configured, and the
// body must be a JSON object. The object's fields are merged over the
// trigger's static params and queued as a job; the response is 202 with
// the job id.
package webhook
