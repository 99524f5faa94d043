package webhook

import "errors"

var (
	ErrUnknownTrigger  = errors.New("webhook: unknown trigger")
	ErrForbidden       = errors.New("webhook: source address not allowed")
	ErrRateLimited     = errors.New("webhook: rate limit exceeded")
	ErrPayloadTooLarge = errors.New("webhook: payload too large")
	ErrBadSignature    = errors.New("webhook: signature mismatch")
	ErrInvalidPayload  = errors.New("webhook: payload must be a JSON object")
	ErrInvalidTrigger  = errors.New("webhook: invalid trigger")
)
