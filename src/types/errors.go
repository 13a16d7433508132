package types

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a collaborator timeout or outage. Callers retry with
	// backoff before surfacing it.
	ErrTransient = errors.New("transient collaborator failure")

	// ErrLostRace means another instance claimed the proposal or execution
	// record first. Losing callers treat it as a no-op success.
	ErrLostRace = errors.New("lost claim race")

	// ErrNotFound is returned for lookups of entities that do not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError rejects bad input synchronously. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Transient wraps err so it is recognized as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
