package notify

import (
	"errors"
	"fmt"
)

// ValidationError marks a malformed request. It is the only error class
// Send/SendBulk/Schedule surface to callers, and it is always raised
// before any delivery side effect.
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

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrNotFound marks a lookup miss surfaced as an error (template
// resolution). Delivery-status lookups for unseen ids return
// StatusUnknown instead, never this error.
var ErrNotFound = errors.New("not found")
