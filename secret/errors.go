package secret

import "errors"

var (
	// ErrMissingEnv is returned by ExpandEnvStrict when a ${VAR} reference
	// names an unset variable.
	ErrMissingEnv = errors.New("secret: missing environment variables")

	// ErrUnknownProvider is returned for a reference to an unregistered provider.
	ErrUnknownProvider = errors.New("secret: provider not registered")

	// ErrNotFound is returned by a provider that has no value for a reference.
	ErrNotFound = errors.New("secret: not found")

	// ErrEmptyValue is returned in strict mode when a provider yields "".
	ErrEmptyValue = errors.New("secret: provider returned empty value")

	// ErrInvalidRegistration is returned for a blank name or nil factory.
	ErrInvalidRegistration = errors.New("secret: invalid provider registration")
)
