package scheduling

import (
	"errors"
	"fmt"
)

var (
	// ErrSlotTaken is the normal outcome of losing a booking race. Callers
	// re-query availability and offer alternatives.
	ErrSlotTaken = errors.New("scheduling: slot taken")

	// ErrIllegalTransition marks a status move outside the allowed graph.
	ErrIllegalTransition = errors.New("scheduling: illegal status transition")

	// ErrNotAuthorized means the actor does not own the target appointment.
	ErrNotAuthorized = errors.New("scheduling: not authorized")

	// ErrNotFound is returned when an appointment does not exist.
	ErrNotFound = errors.New("scheduling: appointment not found")
)

// ValidationError reports an input that violates a documented invariant,
// naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("scheduling: validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
