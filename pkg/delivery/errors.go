package delivery

import (
	"errors"
	"fmt"
)

// ErrNotAcknowledged means the store accepted the call but did not confirm
// the write.
var ErrNotAcknowledged = errors.New("store did not acknowledge write")

// StoreError is a classified store failure. Transient failures may succeed
// on retry; anything else is fatal for the record.
type StoreError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	if e.Op == "" {
		return fmt.Sprintf("%s store error: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s store error during %s: %v", kind, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable store failure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Transient: true, Err: err}
}

// Fatal wraps err as a non-retryable store failure.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsTransient reports whether err carries a transient StoreError.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}
