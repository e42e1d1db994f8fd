package schedule

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError through errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrStaleData marks a loaded schedule whose mask did not fit its
	// resolution and was replaced by a fresh default.
	ErrStaleData = errors.New("stale schedule data ignored")

	// ErrInvalidTimerID is returned for an empty timer id.
	ErrInvalidTimerID = errors.New("timer id is required")
)

// ValidationError reports a malformed field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ProtocolError is a failed timer_24h/* response.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorCode returns the wire error code.
func (e *ProtocolError) ErrorCode() string {
	return e.Code
}
