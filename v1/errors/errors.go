package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout reports that a single store operation hit its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed reports that the store client was already closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnavailable matches every failure of a lock store to answer.
	ErrUnavailable = errors.New("lock store unavailable")
	// ErrLockTimeout is returned when a blocking acquisition runs out of time
	// without ever holding the lock.
	ErrLockTimeout = errors.New("latch: timed out waiting for lock")
)

// BackendError wraps a failure returned by a lock store. It matches
// ErrUnavailable as well as the underlying cause.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("latch: %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// Backend wraps err as a BackendError. A nil err stays nil.
func Backend(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Op: op, Err: err}
}
