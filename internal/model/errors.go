package model

import (
	"errors"
	"fmt"
)

// TemplateNotFoundError is a configuration error: the template or the
// requested variant does not exist.
type TemplateNotFoundError struct {
	TemplateID string
	VariantID  string
}

func (e *TemplateNotFoundError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("template %q has no variant %q", e.TemplateID, e.VariantID)
	}
	return fmt.Sprintf("template %q not found", e.TemplateID)
}

// MissingBindingError is a configuration error: the content references a
// key the caller did not bind.
type MissingBindingError struct {
	TemplateID string
	Key        string
}

func (e *MissingBindingError) Error() string {
	return fmt.Sprintf("template %q references unbound key %q", e.TemplateID, e.Key)
}

// IsConfigurationError reports whether err is a non-retryable rendering error.
func IsConfigurationError(err error) bool {
	var nf *TemplateNotFoundError
	var mb *MissingBindingError
	return errors.As(err, &nf) || errors.As(err, &mb)
}

// ValidationError marks caller input a service rejected.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func Invalidf(format string, args ...any) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}
