package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jonwraymond/actionrun/resilience"
)

// ErrUnknownAction is returned for an action id missing from the catalog.
var ErrUnknownAction = errors.New("catalog: unknown action")

// FieldError describes one failed schema rule.
type FieldError struct {
	// Field is the dotted path to the offending value; "" is the root.
	Field string `json:"field"`
	// Rule is the schema keyword that failed, e.g. "required" or "format".
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every schema violation found in a parameter set.
// It unwraps to resilience.ErrValidation so the fault handler never
// retries it.
type ValidationError struct {
	ActionID string       `json:"action_id"`
	Fields   []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Field == "" {
			parts = append(parts, f.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("catalog: invalid params for %q: %s", e.ActionID, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return resilience.ErrValidation }
