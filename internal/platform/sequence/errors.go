package sequence

import (
	"errors"
	"fmt"
)

// ErrAllocation matches every *AllocationError via errors.Is.
var ErrAllocation = errors.New("counter allocation failed")

// ErrInvalidCounter is returned for empty names or negative values.
var ErrInvalidCounter = errors.New("invalid counter")

// AllocationError reports that the counter store could not complete an
// operation. The request may be retried; any number the store consumed
// before failing is a gap, never a duplicate.
type AllocationError struct {
	Op      string
	Counter string
	Err     error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s counter %q: %v", e.Op, e.Counter, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

// Retryable is always true: the store primitive is idempotent from the
// caller's point of view apart from gaps.
func (e *AllocationError) Retryable() bool { return true }

// IsRetryable reports whether err carries a retryable allocation failure.
func IsRetryable(err error) bool {
	var ae *AllocationError
	return errors.As(err, &ae) && ae.Retryable()
}
