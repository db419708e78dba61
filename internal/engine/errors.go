package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrLockTimeout is wrapped by *TimeoutError when the configured lock timeout
// elapses before a pass could start.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// NotFoundError reports an edit targeting a key absent from the store.
type NotFoundError struct {
	Key string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cannot edit %q: record does not exist", e.Key)
}

// PatchError reports a merged edit patch the record payload rejected. The
// record is left untouched.
type PatchError struct {
	Key string
	Err error
}

// Error implements the error interface.
func (e *PatchError) Error() string {
	return fmt.Sprintf("cannot patch %q: %v", e.Key, e.Err)
}

// Unwrap returns the underlying patch failure.
func (e *PatchError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a pass could not acquire exclusive access to the
// store. Nothing in the batch was applied.
type TimeoutError struct {
	Waited time.Duration
	Err    error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("reconciliation lock not acquired after %v: %v", e.Waited.Round(time.Millisecond), e.Err)
}

// Unwrap returns ErrLockTimeout or the context error that ended the wait.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// KeyError is a failure contained to one key of a pass. Clients lists the
// issuers of the actions that failed, in arrival order.
type KeyError struct {
	Key     string
	Clients []string
	Err     error
}

// Error implements the error interface.
func (e KeyError) Error() string {
	return fmt.Sprintf("%s (clients: %s)", e.Err, strings.Join(e.Clients, ", "))
}

// Unwrap returns the underlying failure.
func (e KeyError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
