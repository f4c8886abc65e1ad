package apperrors

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates that a requested resource could not be found.
var ErrNotFound = errors.New("resource not found")

// ErrValidation indicates that input data failed validation checks.
var ErrValidation = errors.New("validation error")

// ErrConfiguration indicates that a stored fee rule cannot be evaluated.
var ErrConfiguration = errors.New("configuration error")

// ErrDuplicate indicates that an attempt was made to create a resource that already exists.
var ErrDuplicate = errors.New("resource already exists")

// Error codes returned to API callers.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeDuplicate     = "DUPLICATE"
	CodeInternal      = "INTERNAL_ERROR"
)

// ValidationError reports malformed caller input. Subject names the offending
// field or record (for example "theirs[3] (ref REF-9)").
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Subject, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(subject, format string, args ...any) *ValidationError {
	return &ValidationError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports a fee rule whose conditions are unparsable or
// internally inconsistent.
type ConfigurationError struct {
	RuleID   string
	RuleName string
	Reason   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error in rule %s (%s): %s", e.RuleID, e.RuleName, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// Code maps an error onto the API error taxonomy.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDuplicate):
		return CodeDuplicate
	default:
		return CodeInternal
	}
}
