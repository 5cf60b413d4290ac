package models

import (
	"errors"
	"fmt"
)

// ValidationError represents a validation error with field and message.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

var (
	// ErrNoDestinations indicates a session was described without any destination.
	ErrNoDestinations = errors.New("at least one destination is required")

	// ErrNoEnabledDestination indicates every destination of a session is disabled.
	ErrNoEnabledDestination = errors.New("at least one destination must be enabled")
)

// IsValidation reports whether err is a validation failure of a session description.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrNoDestinations) || errors.Is(err, ErrNoEnabledDestination)
}
