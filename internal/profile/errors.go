package profile

import (
	"errors"
	"strings"
)

// Common sentinel errors for the profile store.
var (
	// ErrProfileNotFound indicates the requested profile does not exist.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrMappingNotFound indicates the requested mapping does not exist.
	ErrMappingNotFound = errors.New("mapping not found")

	// ErrMappingExists indicates a mapping with the same pattern exists.
	ErrMappingExists = errors.New("mapping already exists")

	// ErrInvalidCiphertext indicates stored key-password material that
	// cannot be decrypted with the configured master key.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// ValidationError aggregates every problem found while validating a profile
// or mapping, so an admin edit reports everything wrong at once rather than
// failing on the first issue.
type ValidationError struct {
	Messages []string
}

// NewValidationError creates a ValidationError from one or more messages.
func NewValidationError(msgs ...string) *ValidationError {
	return &ValidationError{Messages: msgs}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

// Append adds messages to the aggregate.
func (e *ValidationError) Append(msgs ...string) {
	e.Messages = append(e.Messages, msgs...)
}

// Empty reports whether no messages have been collected.
func (e *ValidationError) Empty() bool {
	return len(e.Messages) == 0
}

// AsValidationError extracts a *ValidationError from err, if present.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
